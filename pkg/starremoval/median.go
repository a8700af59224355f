package starremoval

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"synthflat/pkg/mosaic"
)

// ThresholdMedian detects star candidates by brightness threshold,
// replaces them with the median of their local neighborhood and applies
// a final gaussian smoothing pass to suppress residual high-frequency
// structure.
type ThresholdMedian struct{}

// Name implements Strategy.
func (ThresholdMedian) Name() string { return MethodMedian }

// Apply implements Strategy. The steps are:
//
//  1. Resolve the brightness threshold, either as a raw sample value or
//     as a percentile of the channel's sample distribution.
//  2. Mark every sample at or above the threshold as a star candidate.
//  3. Replace each candidate with the median of the surrounding
//     MedianFilterSize square, preferring unmarked neighbors and
//     falling back to the full neighborhood when none are available.
//  4. Smooth the whole channel with a separable gaussian of
//     GaussianBlurSigma (skipped when sigma is zero).
func (ThresholdMedian) Apply(ctx context.Context, ch *mosaic.ChannelImage, params Params) (*mosaic.ChannelImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params.MedianFilterSize < 1 || params.MedianFilterSize%2 == 0 {
		return nil, fmt.Errorf("median filter size must be an odd integer >= 1, got %d", params.MedianFilterSize)
	}

	threshold, err := resolveThreshold(ch, params)
	if err != nil {
		return nil, err
	}

	mask := make([]bool, len(ch.Pix))
	for i, v := range ch.Pix {
		if float64(v) >= threshold {
			mask[i] = true
		}
	}

	out := ch.Clone()
	for y := 0; y < ch.Height; y++ {
		for x := 0; x < ch.Width; x++ {
			idx := y*ch.Width + x
			if mask[idx] {
				out.Pix[idx] = neighborhoodMedian(ch.Pix, mask, ch.Width, ch.Height, x, y, params.MedianFilterSize)
			}
		}
	}

	if params.GaussianBlurSigma > 0 {
		out.Pix = gaussianBlur(out.Pix, out.Width, out.Height, params.GaussianBlurSigma)
	}
	return out, nil
}

// resolveThreshold converts the configured threshold to a sample-space
// value.
func resolveThreshold(ch *mosaic.ChannelImage, params Params) (float64, error) {
	switch params.ThresholdMode {
	case AbsoluteThreshold:
		if params.Threshold < 0 {
			return 0, fmt.Errorf("absolute threshold must be >= 0, got %g", params.Threshold)
		}
		return params.Threshold, nil
	case PercentileThreshold:
		if params.Threshold <= 0 || params.Threshold > 100 {
			return 0, fmt.Errorf("percentile threshold must be in (0, 100], got %g", params.Threshold)
		}
		sorted := make([]float64, len(ch.Pix))
		for i, v := range ch.Pix {
			sorted[i] = float64(v)
		}
		sort.Float64s(sorted)
		return stat.Quantile(params.Threshold/100, stat.Empirical, sorted, nil), nil
	default:
		return 0, fmt.Errorf("unknown threshold mode %d", params.ThresholdMode)
	}
}
