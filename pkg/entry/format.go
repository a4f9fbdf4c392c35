package entry

import (
	"errors"
	"fmt"

	"github.com/flashkv/flashkv/pkg/checksum"
)

// Format identifies a wire variant of the entry encoding: a magic word
// plus the checksum algorithm protecting entries written with it. A nil
// Checksum means entries of this format carry no checksum and the
// on-flash checksum field is ignored.
type Format struct {
	Magic    uint32
	Checksum checksum.Algorithm
}

// Formats is the ordered list of formats a store recognizes. The first
// format is the one used for new entries.
type Formats []Format

var errNoFormats = errors.New("no entry formats configured")

// Validate checks that the format list is usable: nonempty with unique magics
func (fs Formats) Validate() error {
	if len(fs) == 0 {
		return errNoFormats
	}
	seen := make(map[uint32]struct{}, len(fs))
	for _, f := range fs {
		if _, dup := seen[f.Magic]; dup {
			return fmt.Errorf("duplicate entry format magic %#08x", f.Magic)
		}
		seen[f.Magic] = struct{}{}
	}
	return nil
}

// Primary returns the format used for new keys
func (fs Formats) Primary() Format { return fs[0] }

// Find returns the index of the format with the given magic
func (fs Formats) Find(magic uint32) (int, bool) {
	for i, f := range fs {
		if f.Magic == magic {
			return i, true
		}
	}
	return 0, false
}
