// Package errors provides the structured error taxonomy for the kernel.
//
// Errors are categorized by Class (which layer resolves the condition) and
// Code (the condition itself). Capability errors are returned synchronously
// to the caller of the failing host call; scheduler errors are consumed
// inside the executor and never surface to guests; hostcall errors map to
// guest-visible result codes; faults are fatal to the offending task only.
//
// Use the convenience constructors:
//
//	err := errors.Revoked("derive")
//	err := errors.InsufficientRights("fs.write", "w", "r")
//	err := errors.Timeout("recv")
//
// All errors implement the standard error interface and support errors.Is,
// matching by Class and Code. Is and As passthroughs are provided so that
// callers need only this package.
package errors
