// Package hal holds the machine-facing collaborators: clocks, the timer
// wheel that owns every armed deadline, a GPIO pin bank, and serial
// byte ports. Everything here is addressed by plain object id; the
// capability table decides who may touch what.
//
// The wheel is the single source of expiry. Resources never track
// deadlines themselves — a wait that times out is found already settled
// when its resource gets around to it.
package hal
