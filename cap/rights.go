package cap

import (
	"fmt"
	"strings"
)

// Rights is the access bitset carried by every capability entry.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExec
	RightGrant  // may derive narrowed children
	RightRevoke // may revoke derived entries

	// RightsAll is every right; the usual grant on kernel-created roots.
	RightsAll = RightRead | RightWrite | RightExec | RightGrant | RightRevoke
)

// Has reports whether r contains every right in need.
func (r Rights) Has(need Rights) bool {
	return r&need == need
}

// String renders the bitset in fixed rwxgv order with dashes for absent
// rights, e.g. "rw--v".
func (r Rights) String() string {
	var b [5]byte
	letters := [5]byte{'r', 'w', 'x', 'g', 'v'}
	for i := 0; i < 5; i++ {
		if r&(1<<i) != 0 {
			b[i] = letters[i]
		} else {
			b[i] = '-'
		}
	}
	return string(b[:])
}

// ParseRights reads a rights string as written in manifests. Letters may
// appear in any order; dashes are ignored so the String form round-trips.
func ParseRights(s string) (Rights, error) {
	var r Rights
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			r |= RightRead
		case 'w':
			r |= RightWrite
		case 'x':
			r |= RightExec
		case 'g':
			r |= RightGrant
		case 'v':
			r |= RightRevoke
		case '-':
		default:
			return 0, fmt.Errorf("unknown right %q in %q", c, s)
		}
	}
	return r, nil
}
