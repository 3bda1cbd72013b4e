package hostcall

import "context"

type envKey struct{}

// WithEnv returns a context carrying a task's host-call environment. The
// wasm adapter installs it before entering guest code so host functions
// invoked from inside the instance can find their task again.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// EnvFrom extracts the environment installed by WithEnv.
func EnvFrom(ctx context.Context) (*Env, bool) {
	env, ok := ctx.Value(envKey{}).(*Env)
	return env, ok
}
