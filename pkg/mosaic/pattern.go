// Package mosaic handles the color-filter-array bookkeeping of the
// synthetic flat pipeline: pattern parsing, per-channel sub-lattice
// extraction and mosaic reconstruction. Samples are always kept
// mosaic-native; nothing in this package interpolates.
package mosaic

import (
	"fmt"
	"strings"
)

// CellColor is one color-filter letter of a CFA tiling.
type CellColor byte

const (
	Red   CellColor = 'R'
	Green CellColor = 'G'
	Blue  CellColor = 'B'
)

// Pattern describes a repeating 2x2 color-filter tiling. Cells are stored
// row-major: index 0 is (0,0), 1 is (1,0), 2 is (0,1), 3 is (1,1).
type Pattern struct {
	cells [4]CellColor
}

// PatternSize is the side length of the repeating tile. Only 2x2 tilings
// are supported; larger CFA layouts (e.g. X-Trans) are out of scope.
const PatternSize = 2

// UnsupportedPatternError indicates a pattern descriptor the pipeline
// cannot handle, either because it fails to parse or because a frame
// reports a layout outside the supported 2x2 family.
type UnsupportedPatternError struct {
	// Value is the offending pattern descriptor as supplied
	Value string

	// Reason explains why the value was rejected
	Reason string
}

func (e *UnsupportedPatternError) Error() string {
	return fmt.Sprintf("unsupported mosaic pattern %q: %s", e.Value, e.Reason)
}

// colorWords maps the spelled-out color names accepted in pattern
// descriptors to their cell letters.
var colorWords = map[string]CellColor{
	"R": Red, "G": Green, "B": Blue,
	"RED": Red, "GREEN": Green, "BLUE": Blue,
}

// numericCells maps the numeric CFA encoding used by raw metadata
// (0=red, 1=green, 2=blue) to cell letters.
var numericCells = map[byte]CellColor{
	'0': Red, '1': Green, '2': Blue,
}

// ParsePattern converts a pattern descriptor in any of the formats found
// in raw-file metadata to a Pattern. Accepted forms include:
//
//	RGGB
//	R G G B
//	0112
//	[0,1,1,2]
//	0 1 1 2
//	[Red,Green][Green,Blue]
//
// Matching is case-insensitive; brackets, commas and whitespace are
// ignored. Anything that does not standardize to exactly four cells is
// rejected with UnsupportedPatternError.
func ParsePattern(descriptor string) (Pattern, error) {
	clean := strings.ToUpper(strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ',', ' ', '\t':
			return -1
		}
		return r
	}, descriptor))

	if clean == "" {
		return Pattern{}, &UnsupportedPatternError{Value: descriptor, Reason: "empty descriptor"}
	}

	// Numeric form: every character must be a CFA color index and the
	// tile must cover exactly four positions.
	if strings.IndexFunc(clean, func(r rune) bool { return r < '0' || r > '9' }) == -1 {
		if len(clean) != 4 {
			return Pattern{}, &UnsupportedPatternError{
				Value:  descriptor,
				Reason: fmt.Sprintf("numeric pattern has %d positions, want 4", len(clean)),
			}
		}
		var p Pattern
		for i := 0; i < 4; i++ {
			c, ok := numericCells[clean[i]]
			if !ok {
				return Pattern{}, &UnsupportedPatternError{
					Value:  descriptor,
					Reason: fmt.Sprintf("invalid color index %q", clean[i]),
				}
			}
			p.cells[i] = c
		}
		return p, nil
	}

	// Word form: consume the longest run that is still a prefix of a
	// color word, then fall back to the single letter.
	var cells []CellColor
	for i := 0; i < len(clean); {
		j := i + 1
		for j <= len(clean) && isColorWordPrefix(clean[i:j]) {
			j++
		}
		j--
		if j <= i {
			return Pattern{}, &UnsupportedPatternError{
				Value:  descriptor,
				Reason: fmt.Sprintf("invalid pattern component %q", clean[i]),
			}
		}
		c, ok := colorWords[clean[i:j]]
		if !ok {
			// Partial word such as "GRE": retry as a single letter.
			c, ok = colorWords[clean[i : i+1]]
			if !ok {
				return Pattern{}, &UnsupportedPatternError{
					Value:  descriptor,
					Reason: fmt.Sprintf("invalid pattern component %q", clean[i:j]),
				}
			}
			j = i + 1
		}
		cells = append(cells, c)
		i = j
	}

	if len(cells) != 4 {
		return Pattern{}, &UnsupportedPatternError{
			Value:  descriptor,
			Reason: fmt.Sprintf("pattern has %d positions, want 4", len(cells)),
		}
	}
	var p Pattern
	copy(p.cells[:], cells)
	return p, nil
}

// isColorWordPrefix reports whether s is a prefix of RED, GREEN or BLUE.
func isColorWordPrefix(s string) bool {
	for word := range colorWords {
		if len(word) > 1 && strings.HasPrefix(word, s) {
			return true
		}
	}
	// Single letters are prefixes of their own words.
	return s == "R" || s == "G" || s == "B"
}

// MustParsePattern is ParsePattern for descriptors known to be valid,
// such as literals in tests. It panics on error.
func MustParsePattern(descriptor string) Pattern {
	p, err := ParsePattern(descriptor)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the standardized four-letter form, e.g. "RGGB".
func (p Pattern) String() string {
	return string([]byte{byte(p.cells[0]), byte(p.cells[1]), byte(p.cells[2]), byte(p.cells[3])})
}

// CellAt returns the cell color at sub-lattice offset (dx, dy),
// dx and dy in [0, PatternSize).
func (p Pattern) CellAt(dx, dy int) CellColor {
	return p.cells[dy*PatternSize+dx]
}

// CFAIndices returns the numeric encoding of the pattern in the order
// expected by raw containers: 0=red, 1=green, 2=blue, row-major.
func (p Pattern) CFAIndices() [4]byte {
	var out [4]byte
	for i, c := range p.cells {
		switch c {
		case Red:
			out[i] = 0
		case Green:
			out[i] = 1
		case Blue:
			out[i] = 2
		}
	}
	return out
}

// Labels returns the per-position channel labels, row-major. A cell
// color occurring more than once is disambiguated by occurrence index,
// so RGGB yields R, G1, G2, B.
func (p Pattern) Labels() [4]string {
	var counts [256]int
	for _, c := range p.cells {
		counts[c]++
	}
	var seen [256]int
	var out [4]string
	for i, c := range p.cells {
		if counts[c] > 1 {
			seen[c]++
			out[i] = fmt.Sprintf("%c%d", c, seen[c])
		} else {
			out[i] = string(byte(c))
		}
	}
	return out
}

// LabelOffset returns the sub-lattice offset (dx, dy) of the channel
// with the given label, or ok=false when the pattern has no such channel.
func (p Pattern) LabelOffset(label string) (dx, dy int, ok bool) {
	for i, l := range p.Labels() {
		if l == label {
			return i % PatternSize, i / PatternSize, true
		}
	}
	return 0, 0, false
}
