package hostcall

import "github.com/spihlava/SovelmaOS/cap"

// OpenFlags select the access mode for OpenAt. The flag bits are part of
// the guest ABI and never change value.
type OpenFlags uint32

const (
	OpenRead   OpenFlags = 1 << iota // request read access
	OpenWrite                        // request write access
	OpenCreate                       // create the entry if absent (requires OpenWrite)
	OpenDir                          // open a directory rather than a file
)

// Rights translates requested open flags into the rights the child
// capability must carry. The caller checks the result against the
// directory entry before minting anything.
func (f OpenFlags) Rights() cap.Rights {
	var r cap.Rights
	if f&OpenRead != 0 {
		r |= cap.RightRead
	}
	if f&OpenWrite != 0 {
		r |= cap.RightWrite
	}
	return r
}

func (f OpenFlags) valid() bool {
	if f&(OpenRead|OpenWrite) == 0 {
		return false
	}
	if f&OpenCreate != 0 && f&OpenWrite == 0 {
		return false
	}
	return true
}
