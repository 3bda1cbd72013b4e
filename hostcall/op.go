package hostcall

import (
	"fmt"

	"github.com/spihlava/SovelmaOS/errors"
)

// Op identifies a host-call kind. The set is closed; cost and dispatch
// switch over it exhaustively.
type Op uint8

const (
	OpYield Op = iota
	OpSleep
	OpLog
	OpSend
	OpRecv
	OpPoll
	OpOpen
	OpRead
	OpWrite
	OpClose
	OpCaps
)

func (op Op) String() string {
	switch op {
	case OpYield:
		return "yield"
	case OpSleep:
		return "sleep"
	case OpLog:
		return "log"
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpPoll:
		return "poll"
	case OpOpen:
		return "open"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpClose:
		return "close"
	case OpCaps:
		return "caps"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Per-operation fuel costs. Charged only when a call fully executes;
// capability failures and fuel yields deduct nothing.
const (
	fuelYield uint64 = 1
	fuelSleep uint64 = 2
	fuelLog   uint64 = 2
	fuelSend  uint64 = 4
	fuelRecv  uint64 = 4
	fuelPoll  uint64 = 3
	fuelOpen  uint64 = 8
	fuelRead  uint64 = 4
	fuelWrite uint64 = 6
	fuelClose uint64 = 1
	fuelCaps  uint64 = 2
)

// MinQuantum is the smallest fuel quantum an executor may configure. It
// must cover the most expensive single call, or that call could never run.
const MinQuantum uint64 = 16

// DefaultQuantum is the fuel refilled per slice when nothing else is
// configured.
const DefaultQuantum uint64 = 10_000

func cost(op Op) uint64 {
	switch op {
	case OpYield:
		return fuelYield
	case OpSleep:
		return fuelSleep
	case OpLog:
		return fuelLog
	case OpSend:
		return fuelSend
	case OpRecv:
		return fuelRecv
	case OpPoll:
		return fuelPoll
	case OpOpen:
		return fuelOpen
	case OpRead:
		return fuelRead
	case OpWrite:
		return fuelWrite
	case OpClose:
		return fuelClose
	case OpCaps:
		return fuelCaps
	}
	return 1
}

// Guest-visible result codes. Non-negative values are success payloads;
// these negatives are the stable error surface of the ABI.
const (
	ErrnoBadHandle int32 = -1
	ErrnoNoAccess  int32 = -2
	ErrnoRevoked   int32 = -3
	ErrnoTimedOut  int32 = -4
	ErrnoGone      int32 = -5
	ErrnoInvalid   int32 = -6
	ErrnoExceeded  int32 = -7
	ErrnoNoSpace   int32 = -8
	ErrnoFault     int32 = -9
	ErrnoNotFound  int32 = -10
)

// Errno maps a kernel error onto the guest-visible code. The mapping is
// exhaustive over the taxonomy; anything unrecognized reads as a fault.
func Errno(err error) int32 {
	if err == nil {
		return 0
	}
	e, ok := errors.From(err)
	if !ok {
		return ErrnoFault
	}
	switch e.Code {
	case errors.CodeBadHandle:
		return ErrnoBadHandle
	case errors.CodeInsufficientRights:
		return ErrnoNoAccess
	case errors.CodeRevoked:
		return ErrnoRevoked
	case errors.CodeTimeout:
		return ErrnoTimedOut
	case errors.CodeResourceGone:
		return ErrnoGone
	case errors.CodeInvalidArg:
		return ErrnoInvalid
	case errors.CodeRightsExceeded:
		return ErrnoExceeded
	case errors.CodeNoSpace, errors.CodeTableFull:
		return ErrnoNoSpace
	case errors.CodeNotFound:
		return ErrnoNotFound
	case errors.CodeIllegalOp, errors.CodeOutOfBounds, errors.CodeTrap:
		return ErrnoFault
	}
	return ErrnoFault
}
