// Package artifact manages the on-disk PNG artifacts: naming, publishing and
// retention.
package artifact

import (
	"errors"
	"fmt"
)

// Ext is the extension of every published artifact.
const Ext = ".png"

// ErrInvalidName is returned for names that fail ValidName.
var ErrInvalidName = errors.New("invalid filename: use only letters, numbers, underscores, or dashes")

// ValidName reports whether s is a non-empty string of ASCII letters, digits,
// underscores and dashes. Every user supplied name goes through it before it
// becomes part of a path.
func ValidName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// IndexedName returns the name of the index-th artifact of a multi-selector capture.
func IndexedName(prefix string, index int) string {
	return fmt.Sprintf("%s-%d", prefix, index)
}

// FileName returns the artifact file name for name.
func FileName(name string) string {
	return name + Ext
}
