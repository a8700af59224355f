package mosaic

import "fmt"

// RawFrame owns the undemosaiced sample grid of one decoded capture
// together with its mosaic pattern and dimensions. Frames are read-only
// to the pipeline once extracted and are discarded after their channel
// contributions have been folded into the stacking buffers.
type RawFrame struct {
	// Path is the source file the frame was decoded from
	Path string

	// Width and Height are the full mosaic dimensions in pixels
	Width, Height int

	// BitDepth is the sample bit depth reported by the decoder (12-16)
	BitDepth int

	// Pattern is the frame's color-filter tiling
	Pattern Pattern

	// Pix holds Width*Height samples in row-major order
	Pix []uint16

	// Meta is the per-frame metadata mapping supplied by the decoding
	// and metadata collaborators, keyed group:name
	Meta map[string]string
}

// ChannelImage is the sample grid of a single mosaic channel at that
// channel's sub-lattice resolution (one quarter of the full pixel count
// for a 2x2 pattern).
type ChannelImage struct {
	// Label identifies the channel within its pattern, e.g. "R" or "G1"
	Label string

	// OffsetX and OffsetY locate the channel's sub-lattice within the
	// repeating tile, both in [0, PatternSize)
	OffsetX, OffsetY int

	// Width and Height are the channel-grid dimensions
	Width, Height int

	// Pix holds Width*Height samples in row-major order
	Pix []uint16
}

// Clone returns a deep copy of the channel image.
func (c *ChannelImage) Clone() *ChannelImage {
	out := *c
	out.Pix = make([]uint16, len(c.Pix))
	copy(out.Pix, c.Pix)
	return &out
}

// GeometryMismatchError indicates that a frame's dimensions disagree
// with the rest of its batch, or that a frame cannot be tiled by the
// pattern at all.
type GeometryMismatchError struct {
	Path                  string
	Width, Height         int
	WantWidth, WantHeight int
}

func (e *GeometryMismatchError) Error() string {
	return fmt.Sprintf("geometry mismatch in %s: frame is %dx%d, batch is %dx%d",
		e.Path, e.Width, e.Height, e.WantWidth, e.WantHeight)
}

// PatternMismatchError indicates that a frame in a batch reports a
// different mosaic pattern than the rest of the batch.
type PatternMismatchError struct {
	Path    string
	Got     Pattern
	Want    Pattern
}

func (e *PatternMismatchError) Error() string {
	return fmt.Sprintf("pattern mismatch in %s: frame reports %s, batch is %s",
		e.Path, e.Got, e.Want)
}

// Validate checks the frame's internal consistency: the sample count
// must match the dimensions and the pattern tile must divide both axes
// evenly (no partial tiles at the borders).
func (f *RawFrame) Validate() error {
	if len(f.Pix) != f.Width*f.Height {
		return fmt.Errorf("frame %s: have %d samples, want %d for %dx%d",
			f.Path, len(f.Pix), f.Width*f.Height, f.Width, f.Height)
	}
	if f.Width%PatternSize != 0 || f.Height%PatternSize != 0 {
		return &GeometryMismatchError{
			Path:  f.Path,
			Width: f.Width, Height: f.Height,
			WantWidth:  f.Width - f.Width%PatternSize,
			WantHeight: f.Height - f.Height%PatternSize,
		}
	}
	return nil
}

// ValidateBatch checks the batch-level invariants: every frame shares
// the geometry and mosaic pattern of the first frame.
func ValidateBatch(frames []*RawFrame) error {
	if len(frames) == 0 {
		return nil
	}
	first := frames[0]
	for _, f := range frames {
		if err := f.Validate(); err != nil {
			return err
		}
		if f.Width != first.Width || f.Height != first.Height {
			return &GeometryMismatchError{
				Path:  f.Path,
				Width: f.Width, Height: f.Height,
				WantWidth: first.Width, WantHeight: first.Height,
			}
		}
		if f.Pattern != first.Pattern {
			return &PatternMismatchError{Path: f.Path, Got: f.Pattern, Want: first.Pattern}
		}
	}
	return nil
}

// Extract splits a frame into its per-channel sub-lattice images. The
// frame's samples are copied, never aliased, so the frame may be
// released by the caller afterwards.
func Extract(f *RawFrame) (map[string]*ChannelImage, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	cw, ch := f.Width/PatternSize, f.Height/PatternSize
	labels := f.Pattern.Labels()
	out := make(map[string]*ChannelImage, len(labels))
	for i, label := range labels {
		dx, dy := i%PatternSize, i/PatternSize
		img := &ChannelImage{
			Label:   label,
			OffsetX: dx, OffsetY: dy,
			Width: cw, Height: ch,
			Pix: make([]uint16, cw*ch),
		}
		for y := 0; y < ch; y++ {
			srcRow := (y*PatternSize + dy) * f.Width
			for x := 0; x < cw; x++ {
				img.Pix[y*cw+x] = f.Pix[srcRow+x*PatternSize+dx]
			}
		}
		out[label] = img
	}
	return out, nil
}
