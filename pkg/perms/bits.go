package perms

import (
	"errors"
	"fmt"
	"strings"
)

// Bits is a CRUD permission bitmask.
type Bits uint8

const (
	Delete Bits = 1 << iota
	Update
	Read
	Create

	None Bits = 0
	All       = Create | Read | Update | Delete
)

// ErrInvalidBits is returned when a permission flag string cannot be parsed.
var ErrInvalidBits = errors.New("invalid permission flags")

var flagOrder = []struct {
	bit  Bits
	char byte
}{
	{Create, 'c'},
	{Read, 'r'},
	{Update, 'u'},
	{Delete, 'd'},
}

// Parse converts the short notation ("crud", "r", "") into a bitmask.
// Flags may appear in any order; duplicates are tolerated.
func Parse(s string) (Bits, error) {
	var b Bits
	for i := 0; i < len(s); i++ {
		found := false
		for _, f := range flagOrder {
			if s[i] == f.char || s[i] == f.char-'a'+'A' {
				b |= f.bit
				found = true
				break
			}
		}
		if !found {
			return None, fmt.Errorf("%w: %q", ErrInvalidBits, s)
		}
	}
	return b, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Bits {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

// String renders the bitmask in "crud" order.
func (b Bits) String() string {
	var sb strings.Builder
	for _, f := range flagOrder {
		if b&f.bit != 0 {
			sb.WriteByte(f.char)
		}
	}
	return sb.String()
}

// Or returns the union of both masks.
func (b Bits) Or(other Bits) Bits { return b | other }

// AndNot returns b with every flag in other cleared.
func (b Bits) AndNot(other Bits) Bits { return b &^ other }

// Has reports whether every flag in want is present in b.
func (b Bits) Has(want Bits) bool { return b&want == want }

// Valid reports whether b only carries known flags.
func (b Bits) Valid() bool { return b&^All == 0 }

// MarshalText implements encoding.TextMarshaler using the short notation.
func (b Bits) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using the short notation.
func (b *Bits) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
