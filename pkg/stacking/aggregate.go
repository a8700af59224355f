// Package stacking combines the per-position samples of a batch of raw
// frames into one working image per mosaic channel. The combination
// rule is configurable; median is the default because light-frame
// stacks contain stars whose position or brightness is transient
// relative to the flat-field illumination being solved for, and the
// median suppresses such outliers better than the mean for moderate
// batch sizes.
package stacking

import (
	"fmt"
	"math"
	"sort"

	"synthflat/pkg/mosaic"
)

// CombineRule selects the statistic used to merge the same mosaic
// position across all frames of a batch.
type CombineRule int

const (
	// Median selects the middle-ranked sample; an even batch averages
	// the two middle samples with round-half-to-even.
	Median CombineRule = iota

	// Mean is the arithmetic average, rounded to the integer sample
	// type with round-half-to-even.
	Mean
)

func (r CombineRule) String() string {
	switch r {
	case Median:
		return "median"
	case Mean:
		return "mean"
	default:
		return fmt.Sprintf("CombineRule(%d)", int(r))
	}
}

// ParseCombineRule converts a configuration string to a CombineRule.
func ParseCombineRule(s string) (CombineRule, error) {
	switch s {
	case "median":
		return Median, nil
	case "mean":
		return Mean, nil
	default:
		return 0, fmt.Errorf("unknown combine rule %q (want median or mean)", s)
	}
}

// EmptyBatchError indicates that aggregation was requested for a batch
// with no frames.
type EmptyBatchError struct{}

func (*EmptyBatchError) Error() string {
	return "cannot aggregate an empty batch of frames"
}

// Aggregate combines the N same-position samples of every mosaic
// sub-lattice position into one ChannelImage per channel label. The
// batch must be non-empty and share geometry and pattern; with a single
// frame both rules reduce to that frame's channel values.
func Aggregate(frames []*mosaic.RawFrame, rule CombineRule) (map[string]*mosaic.ChannelImage, error) {
	if len(frames) == 0 {
		return nil, &EmptyBatchError{}
	}
	if err := mosaic.ValidateBatch(frames); err != nil {
		return nil, err
	}

	first := frames[0]
	pattern := first.Pattern
	cw, ch := first.Width/mosaic.PatternSize, first.Height/mosaic.PatternSize
	labels := pattern.Labels()

	out := make(map[string]*mosaic.ChannelImage, len(labels))
	samples := make([]uint16, len(frames))
	for i, label := range labels {
		dx, dy := i%mosaic.PatternSize, i/mosaic.PatternSize
		img := &mosaic.ChannelImage{
			Label:   label,
			OffsetX: dx, OffsetY: dy,
			Width: cw, Height: ch,
			Pix: make([]uint16, cw*ch),
		}
		for y := 0; y < ch; y++ {
			srcRow := (y*mosaic.PatternSize + dy) * first.Width
			for x := 0; x < cw; x++ {
				src := srcRow + x*mosaic.PatternSize + dx
				for fi, f := range frames {
					samples[fi] = f.Pix[src]
				}
				img.Pix[y*cw+x] = combine(samples, rule)
			}
		}
		out[label] = img
	}
	return out, nil
}

// combine reduces the ordered sample sequence to a single value. The
// slice is scratch space owned by the caller and may be reordered.
func combine(samples []uint16, rule CombineRule) uint16 {
	switch rule {
	case Mean:
		var sum uint64
		for _, s := range samples {
			sum += uint64(s)
		}
		return roundHalfToEven(float64(sum) / float64(len(samples)))
	default:
		return medianOf(samples)
	}
}

// medianOf returns the middle-ranked value of the samples, averaging
// the two middle values for even counts. The slice is sorted in place.
func medianOf(samples []uint16) uint16 {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	n := len(samples)
	if n%2 == 1 {
		return samples[n/2]
	}
	lo, hi := samples[n/2-1], samples[n/2]
	return roundHalfToEven((float64(lo) + float64(hi)) / 2)
}

// roundHalfToEven converts a non-negative average back to the integer
// sample type using banker's rounding, so .5 boundaries do not bias the
// flat brighter or darker.
func roundHalfToEven(v float64) uint16 {
	r := math.RoundToEven(v)
	if r > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(r)
}
