// Package cap implements the kernel's capability table.
//
// A capability is the only naming and authority mechanism in the system:
// holding a handle with sufficient rights is necessary and sufficient to
// operate on the guarded object. There is no ambient authority.
//
// # Handles and Generations
//
// A Handle pairs a slot index with a generation counter. Revocation bumps
// the slot's generation, so every handle minted for the old occupant keeps
// failing even after the slot is reused:
//
//	table := cap.NewTable()
//
//	h, _ := table.Create(cap.FileObject(7), cap.RightRead, owner)
//	table.Revoke(h)
//	_, err := table.Check(h, cap.RightRead) // CodeRevoked, forever
//
// # Derivation
//
// Derive creates a child entry whose rights must be a subset of the
// parent's; requesting more fails with CodeRightsExceeded rather than
// silently truncating. DeriveView additionally narrows the guarded object,
// which is how a file capability is minted under a directory capability.
// Revoking a parent eagerly revokes everything derived from it,
// transitively.
//
// # Descriptors
//
// Guests never see handles. Each task owns a Set mapping small integer
// descriptors to handles; a forged descriptor misses the set and reads as
// a bad handle. Dropping a set on task exit removes membership without
// revoking the underlying entries.
package cap
