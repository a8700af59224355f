// Package starremoval provides the interchangeable artifact-suppression
// strategies applied to each aggregated mosaic channel before the flat
// is reconstructed. Every strategy is shape-preserving: the output
// channel image has the same dimensions as the input.
package starremoval

import (
	"context"
	"fmt"
	"time"

	"synthflat/pkg/mosaic"
)

// Method names accepted in processing parameters.
const (
	MethodNone     = "none"
	MethodMedian   = "median"
	MethodExternal = "external"
)

// ThresholdMode selects how the threshold parameter of the median
// strategy is interpreted.
type ThresholdMode int

const (
	// PercentileThreshold treats the threshold as a percentile in
	// (0, 100] of the channel's sample distribution.
	PercentileThreshold ThresholdMode = iota

	// AbsoluteThreshold treats the threshold as a raw sample value.
	AbsoluteThreshold
)

// Params carries the knobs recognized by the built-in strategies. A
// strategy reads only the fields its method defines; validation of the
// combinations happens at configuration time, before any processing.
type Params struct {
	// Threshold marks samples at or above it as star candidates
	// (median strategy). Interpreted per ThresholdMode.
	Threshold float64

	// ThresholdMode selects percentile or absolute semantics.
	ThresholdMode ThresholdMode

	// MedianFilterSize is the odd side length of the square
	// neighborhood used to replace star candidates.
	MedianFilterSize int

	// GaussianBlurSigma is the standard deviation of the final
	// smoothing pass; zero skips the pass.
	GaussianBlurSigma float64

	// ToolPath is the external star-removal executable (external
	// strategy).
	ToolPath string

	// ToolArgs are extra flags appended after the input and output
	// file arguments.
	ToolArgs []string

	// Timeout bounds one external tool invocation; zero means no
	// deadline beyond the caller's context.
	Timeout time.Duration
}

// Strategy transforms one aggregated channel image into a cleaned
// channel image. Implementations never modify the input.
type Strategy interface {
	// Name returns the method identifier of the strategy.
	Name() string

	// Apply processes a single channel. The returned image must have
	// the same dimensions as the input; the pipeline checks this
	// postcondition after every call.
	Apply(ctx context.Context, ch *mosaic.ChannelImage, params Params) (*mosaic.ChannelImage, error)
}

// Select returns the strategy for a method identifier. The choice is
// made once per run, before any channel is processed; an unrecognized
// method is a configuration error for the whole run.
func Select(method string) (Strategy, error) {
	switch method {
	case MethodNone:
		return Identity{}, nil
	case MethodMedian:
		return ThresholdMedian{}, nil
	case MethodExternal:
		return ExternalTool{}, nil
	default:
		return nil, fmt.Errorf("unknown star-removal method %q (want %s, %s or %s)",
			method, MethodNone, MethodMedian, MethodExternal)
	}
}

// Identity is the no-op strategy used when method is "none". The input
// channel passes through bit-identical.
type Identity struct{}

// Name implements Strategy.
func (Identity) Name() string { return MethodNone }

// Apply implements Strategy. It returns a copy so callers remain free
// to mutate the result without touching the aggregation buffers.
func (Identity) Apply(_ context.Context, ch *mosaic.ChannelImage, _ Params) (*mosaic.ChannelImage, error) {
	return ch.Clone(), nil
}
