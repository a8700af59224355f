package mosaic

import "fmt"

// PatternCoverageError indicates that a set of channel images cannot
// tile the target geometry exactly once per output position.
type PatternCoverageError struct {
	Reason string
}

func (e *PatternCoverageError) Error() string {
	return "pattern coverage violation: " + e.Reason
}

// Reconstruct reassembles cleaned channel images into a full-resolution
// mosaic grid of the given geometry. Every output position receives its
// value from exactly one channel, determined by the pattern's
// per-position assignment; the function verifies this invariant and
// fails with PatternCoverageError when the channels cannot tile the
// target exactly.
func Reconstruct(channels map[string]*ChannelImage, p Pattern, width, height int) ([]uint16, error) {
	if width%PatternSize != 0 || height%PatternSize != 0 {
		return nil, &PatternCoverageError{
			Reason: fmt.Sprintf("target geometry %dx%d is not divisible by the %dx%d tile",
				width, height, PatternSize, PatternSize),
		}
	}
	cw, ch := width/PatternSize, height/PatternSize
	labels := p.Labels()
	if len(channels) != len(labels) {
		return nil, &PatternCoverageError{
			Reason: fmt.Sprintf("have %d channel images, pattern %s needs %d", len(channels), p, len(labels)),
		}
	}

	out := make([]uint16, width*height)
	written := 0
	for i, label := range labels {
		img, ok := channels[label]
		if !ok {
			return nil, &PatternCoverageError{
				Reason: fmt.Sprintf("missing channel %q required by pattern %s", label, p),
			}
		}
		dx, dy := i%PatternSize, i/PatternSize
		if img.OffsetX != dx || img.OffsetY != dy {
			return nil, &PatternCoverageError{
				Reason: fmt.Sprintf("channel %q carries offset (%d,%d), pattern assigns (%d,%d)",
					label, img.OffsetX, img.OffsetY, dx, dy),
			}
		}
		if img.Width != cw || img.Height != ch {
			return nil, &PatternCoverageError{
				Reason: fmt.Sprintf("channel %q is %dx%d, cannot tile %dx%d (want %dx%d)",
					label, img.Width, img.Height, width, height, cw, ch),
			}
		}
		for y := 0; y < ch; y++ {
			dstRow := (y*PatternSize + dy) * width
			for x := 0; x < cw; x++ {
				out[dstRow+x*PatternSize+dx] = img.Pix[y*cw+x]
			}
			written += cw
		}
	}
	// Each channel wrote its disjoint sub-lattice; the totals must add
	// up to exactly one write per output position.
	if written != width*height {
		return nil, &PatternCoverageError{
			Reason: fmt.Sprintf("wrote %d samples for a %dx%d target", written, width, height),
		}
	}
	return out, nil
}
