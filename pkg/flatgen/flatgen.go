// Package flatgen runs the synthetic flat generation pipeline: decode
// the input batch, aggregate per mosaic channel, clean each channel
// with the configured artifact-removal strategy, reconstruct the
// mosaic and encode it with the resolved metadata.
package flatgen

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"synthflat/internal/models"
	"synthflat/pkg/config"
	"synthflat/pkg/dng"
	"synthflat/pkg/metadata"
	"synthflat/pkg/mosaic"
	"synthflat/pkg/rawdecode"
	"synthflat/pkg/stacking"
	"synthflat/pkg/starremoval"
)

// Params holds the configuration of one generation run.
type Params struct {
	// Files are the input capture paths, processed in sorted order.
	Files []string

	// OutputFile is the destination of the encoded flat.
	OutputFile string

	// NumWorkers bounds the parallel decode fan-out; zero means one
	// worker per CPU.
	NumWorkers int

	// Decoder is the raw-decoding collaborator.
	Decoder rawdecode.Decoder

	// Extractor supplies per-frame metadata; nil skips extraction and
	// leaves frames with whatever metadata the decoder reported.
	Extractor *metadata.Extractor

	// Processing is the validated process_params document.
	Processing *config.ProcessingParameters

	// Spec is the metadata spec in resolution order.
	Spec []metadata.SpecEntry

	// Verbose enables per-step progress logging.
	Verbose bool
}

// ChannelStats summarizes one aggregated channel, reported for operator
// feedback after stacking.
type ChannelStats struct {
	Mean   float64
	StdDev float64
	Min    uint16
	Max    uint16
}

// Result describes a completed run.
type Result struct {
	// OutputFile is the encoded flat's path
	OutputFile string

	// FramesUsed is the number of frames that contributed to the flat
	FramesUsed int

	// FramesExcluded counts frames dropped by decode failures
	FramesExcluded int

	// Pattern is the batch's mosaic pattern
	Pattern mosaic.Pattern

	// Frames records the outcome of every input file in sorted order
	Frames []models.FrameInfo

	// Stats holds per-channel statistics after aggregation
	Stats map[string]ChannelStats

	// Warnings collects every non-fatal condition of the run
	Warnings []models.Warning
}

// Generator executes the pipeline for one set of parameters.
type Generator struct {
	params   *Params
	strategy starremoval.Strategy
	fallback starremoval.Strategy

	warningsMu sync.Mutex
	warnings   []models.Warning
}

// NewGenerator creates a generator. The strategy selection and all
// configuration validation happen here, before any frame is touched.
func NewGenerator(params *Params) (*Generator, error) {
	if params.Decoder == nil {
		return nil, &config.ConfigurationError{Field: "decoder", Reason: "no raw decoder configured"}
	}
	if params.OutputFile == "" {
		return nil, &config.ConfigurationError{Field: "output", Reason: "no output file configured"}
	}
	if params.Processing == nil {
		return nil, &config.ConfigurationError{Field: "process_params", Reason: "no processing parameters configured"}
	}
	if err := params.Processing.Validate(); err != nil {
		return nil, err
	}

	strategy, err := starremoval.Select(params.Processing.Method)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "method", Reason: err.Error()}
	}
	g := &Generator{params: params, strategy: strategy}
	if fb := params.Processing.FallbackMethod; fb != "" {
		fallback, err := starremoval.Select(fb)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "fallback_method", Reason: err.Error()}
		}
		g.fallback = fallback
	}
	return g, nil
}

// Run executes the pipeline. Cancellation of ctx is honored between
// frames and between channel tasks, and is propagated into any running
// external subprocess.
func (g *Generator) Run(ctx context.Context) (*Result, error) {
	g.logf("Step 1: Decoding %d input frames...", len(g.params.Files))
	frames, infos, err := g.decodeBatch(ctx)
	if err != nil {
		return nil, err
	}
	excluded := 0
	for _, info := range infos {
		if info.Excluded {
			excluded++
		}
	}

	g.logf("Step 2: Stacking %d frames per channel (%s)...", len(frames), g.params.Processing.CombineRule)
	channels, err := stacking.Aggregate(frames, g.params.Processing.Rule())
	if err != nil {
		return nil, err
	}
	batchMeta := make([]map[string]string, 0, len(frames))
	for _, f := range frames {
		if f.Meta != nil {
			batchMeta = append(batchMeta, f.Meta)
		}
	}
	pattern := frames[0].Pattern
	width, height, bitDepth := frames[0].Width, frames[0].Height, frames[0].BitDepth
	used := len(frames)
	frames = nil // frame buffers are no longer needed

	stats := summarize(channels)
	for _, label := range sortedLabels(stats) {
		s := stats[label]
		g.logf("  channel %-2s mean=%.1f stddev=%.1f range=[%d, %d]", label, s.Mean, s.StdDev, s.Min, s.Max)
	}

	g.logf("Step 3: Removing artifacts per channel (%s)...", g.strategy.Name())
	cleaned, err := g.cleanChannels(ctx, channels)
	if err != nil {
		return nil, err
	}

	g.logf("Step 4: Reconstructing %dx%d mosaic...", width, height)
	pix, err := mosaic.Reconstruct(cleaned, pattern, width, height)
	if err != nil {
		return nil, err
	}

	g.logf("Step 5: Resolving metadata (%d spec entries)...", len(g.params.Spec))
	tags, metaWarnings := metadata.Resolve(g.params.Spec, metadata.Analyze(batchMeta))
	g.warnings = append(g.warnings, metaWarnings...)

	g.logf("Step 6: Encoding flat to %s...", g.params.OutputFile)
	flat := &dng.Flat{
		Pix:      pix,
		Width:    width,
		Height:   height,
		BitDepth: bitDepth,
		Pattern:  pattern,
		Tags:     tags,
	}
	encodeWarnings, err := dng.Encode(flat, g.params.OutputFile)
	if err != nil {
		return nil, err
	}
	g.warnings = append(g.warnings, encodeWarnings...)

	return &Result{
		OutputFile:     g.params.OutputFile,
		FramesUsed:     used,
		FramesExcluded: excluded,
		Pattern:        pattern,
		Frames:         infos,
		Stats:          stats,
		Warnings:       g.warnings,
	}, nil
}

// decodeBatch decodes every input file with a bounded worker fan-out
// and a barrier: aggregation never starts before all frames are in.
// A decode failure excludes that frame with a warning, or fails the
// run in strict mode.
func (g *Generator) decodeBatch(ctx context.Context) ([]*mosaic.RawFrame, []models.FrameInfo, error) {
	files := append([]string(nil), g.params.Files...)
	sort.Strings(files)

	workers := g.params.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(files) {
		workers = len(files)
	}

	type decodeResult struct {
		index int
		frame *mosaic.RawFrame
		err   error
	}
	jobs := make(chan int)
	results := make(chan decodeResult, len(files))
	dispatched := make(chan int, 1)

	for w := 0; w < workers; w++ {
		go func() {
			for idx := range jobs {
				frame, err := g.decodeOne(ctx, files[idx])
				results <- decodeResult{index: idx, frame: frame, err: err}
			}
		}()
	}
	go func() {
		n := 0
		defer func() {
			close(jobs)
			dispatched <- n
		}()
		for i := range files {
			select {
			case jobs <- i:
				n++
			case <-ctx.Done():
				return
			}
		}
	}()

	ordered := make([]*mosaic.RawFrame, len(files))
	infos := make([]models.FrameInfo, len(files))
	for i, path := range files {
		infos[i] = models.FrameInfo{Path: path, Index: i}
	}
	var fatal error
	expected := <-dispatched
	for i := 0; i < expected; i++ {
		res := <-results
		if res.err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && fatal == nil {
				fatal = ctxErr
				continue
			}
			if g.params.Processing.Strict {
				if fatal == nil {
					fatal = fmt.Errorf("strict mode: %w", res.err)
				}
				continue
			}
			infos[res.index].Excluded = true
			g.warn(models.StageDecode, fmt.Sprintf("excluded %s: %v", filepath.Base(files[res.index]), res.err))
			continue
		}
		ordered[res.index] = res.frame
	}
	if fatal != nil {
		return nil, nil, fatal
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	frames := make([]*mosaic.RawFrame, 0, len(ordered))
	for _, f := range ordered {
		if f != nil {
			frames = append(frames, f)
		}
	}
	return frames, infos, nil
}

// decodeOne decodes a single file and merges in its extracted metadata.
func (g *Generator) decodeOne(ctx context.Context, path string) (*mosaic.RawFrame, error) {
	frame, err := g.params.Decoder.Decode(ctx, path)
	if err != nil {
		return nil, err
	}
	if g.params.Extractor != nil {
		meta, err := g.params.Extractor.ExtractFile(ctx, path)
		if err != nil {
			return nil, &rawdecode.DecodeError{Path: path, Err: err}
		}
		if frame.Meta == nil {
			frame.Meta = meta
		} else {
			for k, v := range meta {
				frame.Meta[k] = v
			}
		}
	}
	return frame, nil
}

// cleanChannels applies the strategy to every channel in parallel and
// joins before reconstruction. State is partitioned by channel label,
// so no task reads or writes another's data.
func (g *Generator) cleanChannels(ctx context.Context, channels map[string]*mosaic.ChannelImage) (map[string]*mosaic.ChannelImage, error) {
	type channelResult struct {
		label string
		img   *mosaic.ChannelImage
		err   error
	}
	results := make(chan channelResult, len(channels))
	strategyParams := g.params.Processing.StrategyParams()

	for label, ch := range channels {
		go func(label string, ch *mosaic.ChannelImage) {
			img, err := g.cleanOne(ctx, ch, strategyParams)
			results <- channelResult{label: label, img: img, err: err}
		}(label, ch)
	}

	cleaned := make(map[string]*mosaic.ChannelImage, len(channels))
	var firstErr error
	for range channels {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		cleaned[res.label] = res.img
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return cleaned, nil
}

// cleanOne runs the strategy for one channel, enforcing the
// shape-preservation postcondition and applying the configured
// fallback on external tool failures.
func (g *Generator) cleanOne(ctx context.Context, ch *mosaic.ChannelImage, params starremoval.Params) (*mosaic.ChannelImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := g.strategy.Apply(ctx, ch, params)
	if err != nil {
		var toolErr *starremoval.ExternalToolError
		if g.fallback != nil && errors.As(err, &toolErr) {
			g.warn(models.StageRemoval, fmt.Sprintf("channel %s: %v; falling back to %s", ch.Label, err, g.fallback.Name()))
			out, err = g.fallback.Apply(ctx, ch, params)
		}
		if err != nil {
			return nil, err
		}
	}
	if out.Width != ch.Width || out.Height != ch.Height {
		return nil, fmt.Errorf("strategy %s changed channel %s dimensions from %dx%d to %dx%d",
			g.strategy.Name(), ch.Label, ch.Width, ch.Height, out.Width, out.Height)
	}
	return out, nil
}

// warn records a run warning. Fallback warnings arrive from concurrent
// per-channel goroutines, hence the mutex.
func (g *Generator) warn(stage, message string) {
	g.warningsMu.Lock()
	g.warnings = append(g.warnings, models.Warning{Stage: stage, Message: message})
	g.warningsMu.Unlock()
}

func (g *Generator) logf(format string, args ...any) {
	if g.params.Verbose {
		fmt.Printf(format+"\n", args...)
	}
}

// summarize computes per-channel statistics with gonum.
func summarize(channels map[string]*mosaic.ChannelImage) map[string]ChannelStats {
	stats := make(map[string]ChannelStats, len(channels))
	for label, ch := range channels {
		values := make([]float64, len(ch.Pix))
		min, max := ch.Pix[0], ch.Pix[0]
		for i, v := range ch.Pix {
			values[i] = float64(v)
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		stats[label] = ChannelStats{
			Mean:   stat.Mean(values, nil),
			StdDev: stat.StdDev(values, nil),
			Min:    min,
			Max:    max,
		}
	}
	return stats
}

func sortedLabels(stats map[string]ChannelStats) []string {
	labels := make([]string, 0, len(stats))
	for l := range stats {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
