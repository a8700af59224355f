package flatgen

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"golang.org/x/image/tiff"

	"synthflat/internal/models"
	"synthflat/pkg/config"
	"synthflat/pkg/metadata"
	"synthflat/pkg/mosaic"
	"synthflat/pkg/rawdecode"
	"synthflat/pkg/starremoval"
)

// writeFrameTIFF writes a Gray16 fixture frame with the given samples.
func writeFrameTIFF(t *testing.T, path string, width, height int, pix []uint16) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for i, v := range pix {
		img.Pix[2*i] = byte(v >> 8)
		img.Pix[2*i+1] = byte(v)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create fixture: %v", err)
	}
	defer f.Close()
	if err := tiff.Encode(f, img, nil); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
}

// testSpec supplies the required output tags as literal overrides.
func testSpec() []metadata.SpecEntry {
	return []metadata.SpecEntry{
		{Field: "EXIF:CFAPattern", Value: "RGGB"},
		{Field: "EXIF:BlackLevel", Value: "600"},
		{Field: "EXIF:WhiteLevel", Value: "16383"},
		{Field: "EXIF:ColorMatrix1", Value: "0.8198 -0.2239 -0.0724 -0.4871 1.2775 0.2322 -0.1055 0.2079 0.7037"},
		{Field: "EXIF:AsShotNeutral", Value: "0.5255 1.0 0.6893"},
	}
}

func testParams(files []string, output string, proc *config.ProcessingParameters) *Params {
	return &Params{
		Files:      files,
		OutputFile: output,
		Decoder:    &rawdecode.TIFFDecoder{Pattern: mosaic.MustParsePattern("RGGB"), BitDepth: 14},
		Processing: proc,
		Spec:       testSpec(),
	}
}

// readOutputSamples extracts the mosaic strip of an encoded flat. The
// encoder always writes the sample strip as the final bytes of the
// file, little-endian.
func readOutputSamples(t *testing.T, path string, count int) []uint16 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if len(data) < 2*count {
		t.Fatalf("output is %d bytes, too short for %d samples", len(data), count)
	}
	strip := data[len(data)-2*count:]
	pix := make([]uint16, count)
	for i := range pix {
		pix[i] = binary.LittleEndian.Uint16(strip[2*i:])
	}
	return pix
}

func TestRunMedianStack(t *testing.T) {
	dir := t.TempDir()

	// Three 4x4 frames. The third carries a hot outlier at position 5
	// that the per-position median must suppress.
	base := make([]uint16, 16)
	for i := range base {
		base[i] = uint16(1000 + 10*i)
	}
	files := make([]string, 3)
	for n := range files {
		pix := append([]uint16(nil), base...)
		for i := range pix {
			pix[i] += uint16(n) // 0, 1, 2 per frame
		}
		if n == 2 {
			pix[5] = 16000
		}
		files[n] = filepath.Join(dir, "frame"+string(rune('a'+n))+".tiff")
		writeFrameTIFF(t, files[n], 4, 4, pix)
	}

	proc := config.DefaultProcessingParameters()
	proc.Method = starremoval.MethodNone
	output := filepath.Join(dir, "flat.dng")

	gen, err := NewGenerator(testParams(files, output, proc))
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	result, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.FramesUsed != 3 || result.FramesExcluded != 0 {
		t.Errorf("used %d frames, excluded %d, want 3 and 0", result.FramesUsed, result.FramesExcluded)
	}
	if result.Pattern.String() != "RGGB" {
		t.Errorf("result pattern = %s, want RGGB", result.Pattern)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}

	got := readOutputSamples(t, output, 16)
	for i := range base {
		want := base[i] + 1 // median of {v, v+1, v+2}, outlier suppressed
		if got[i] != want {
			t.Errorf("sample %d = %d, want %d", i, got[i], want)
		}
	}

	labels := make([]string, 0, len(result.Stats))
	for l := range result.Stats {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	if want := []string{"B", "G1", "G2", "R"}; len(labels) != 4 ||
		labels[0] != want[0] || labels[1] != want[1] || labels[2] != want[2] || labels[3] != want[3] {
		t.Errorf("stats channels = %v, want %v", labels, want)
	}
	for label, s := range result.Stats {
		if s.Min > s.Max || s.Mean < float64(s.Min) || s.Mean > float64(s.Max) {
			t.Errorf("channel %s stats inconsistent: %+v", label, s)
		}
	}
}

func TestRunExternalToolFailureFailsBeforeOutput(t *testing.T) {
	dir := t.TempDir()
	pix := make([]uint16, 16)
	for i := range pix {
		pix[i] = 2000
	}
	path := filepath.Join(dir, "frame.tiff")
	writeFrameTIFF(t, path, 4, 4, pix)

	proc := config.DefaultProcessingParameters()
	proc.Method = starremoval.MethodExternal
	proc.ExternalToolPath = filepath.Join(dir, "no-such-tool")
	output := filepath.Join(dir, "flat.dng")

	gen, err := NewGenerator(testParams([]string{path}, output, proc))
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	_, err = gen.Run(context.Background())
	var toolErr *starremoval.ExternalToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("Run returned %v, want *ExternalToolError", err)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Error("failed run left an output file behind")
	}
}

func TestRunExternalToolFallback(t *testing.T) {
	dir := t.TempDir()
	pix := make([]uint16, 16)
	for i := range pix {
		pix[i] = 3000
	}
	path := filepath.Join(dir, "frame.tiff")
	writeFrameTIFF(t, path, 4, 4, pix)

	proc := config.DefaultProcessingParameters()
	proc.Method = starremoval.MethodExternal
	proc.ExternalToolPath = filepath.Join(dir, "no-such-tool")
	proc.FallbackMethod = starremoval.MethodNone
	output := filepath.Join(dir, "flat.dng")

	gen, err := NewGenerator(testParams([]string{path}, output, proc))
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	result, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("Run with fallback failed: %v", err)
	}

	fallbackWarnings := 0
	for _, w := range result.Warnings {
		if w.Stage == models.StageRemoval {
			fallbackWarnings++
		}
	}
	if fallbackWarnings != 4 {
		t.Errorf("got %d fallback warnings, want one per channel (4): %v", fallbackWarnings, result.Warnings)
	}
	got := readOutputSamples(t, output, 16)
	for i, v := range got {
		if v != 3000 {
			t.Errorf("sample %d = %d, want 3000", i, v)
		}
	}
}

func TestRunExcludesUndecodableFrames(t *testing.T) {
	dir := t.TempDir()
	pix := make([]uint16, 16)
	for i := range pix {
		pix[i] = uint16(100 * i)
	}
	good1 := filepath.Join(dir, "a.tiff")
	good2 := filepath.Join(dir, "b.tiff")
	bad := filepath.Join(dir, "c.tiff")
	writeFrameTIFF(t, good1, 4, 4, pix)
	writeFrameTIFF(t, good2, 4, 4, pix)
	if err := os.WriteFile(bad, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	proc := config.DefaultProcessingParameters()
	proc.Method = starremoval.MethodNone
	output := filepath.Join(dir, "flat.dng")

	t.Run("LenientExcludesWithWarning", func(t *testing.T) {
		gen, err := NewGenerator(testParams([]string{good1, good2, bad}, output, proc))
		if err != nil {
			t.Fatalf("NewGenerator failed: %v", err)
		}
		result, err := gen.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if result.FramesUsed != 2 || result.FramesExcluded != 1 {
			t.Errorf("used %d, excluded %d, want 2 and 1", result.FramesUsed, result.FramesExcluded)
		}
		found := false
		for _, w := range result.Warnings {
			if w.Stage == models.StageDecode {
				found = true
			}
		}
		if !found {
			t.Errorf("no decode warning recorded: %v", result.Warnings)
		}
	})

	t.Run("StrictFails", func(t *testing.T) {
		strict := *proc
		strict.Strict = true
		out := filepath.Join(dir, "strict.dng")
		gen, err := NewGenerator(testParams([]string{good1, good2, bad}, out, &strict))
		if err != nil {
			t.Fatalf("NewGenerator failed: %v", err)
		}
		_, err = gen.Run(context.Background())
		var decErr *rawdecode.DecodeError
		if !errors.As(err, &decErr) {
			t.Fatalf("Run returned %v, want *DecodeError", err)
		}
		if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
			t.Error("strict failure left an output file behind")
		}
	})
}

func TestRunEmptyBatch(t *testing.T) {
	proc := config.DefaultProcessingParameters()
	proc.Method = starremoval.MethodNone
	gen, err := NewGenerator(testParams(nil, filepath.Join(t.TempDir(), "flat.dng"), proc))
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	if _, err := gen.Run(context.Background()); err == nil {
		t.Fatal("Run accepted an empty input batch")
	}
}

func TestRunCancelledContext(t *testing.T) {
	dir := t.TempDir()
	pix := make([]uint16, 16)
	path := filepath.Join(dir, "frame.tiff")
	writeFrameTIFF(t, path, 4, 4, pix)

	proc := config.DefaultProcessingParameters()
	proc.Method = starremoval.MethodNone
	gen, err := NewGenerator(testParams([]string{path}, filepath.Join(dir, "flat.dng"), proc))
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gen.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	valid := func() *Params {
		proc := config.DefaultProcessingParameters()
		proc.Method = starremoval.MethodNone
		return testParams([]string{"a.tiff"}, "flat.dng", proc)
	}

	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"NilDecoder", func(p *Params) { p.Decoder = nil }},
		{"EmptyOutput", func(p *Params) { p.OutputFile = "" }},
		{"NilProcessing", func(p *Params) { p.Processing = nil }},
		{"UnknownMethod", func(p *Params) { p.Processing.Method = "magic" }},
		{"UnknownFallback", func(p *Params) { p.Processing.FallbackMethod = "magic" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			params := valid()
			c.mutate(params)
			if _, err := NewGenerator(params); err == nil {
				t.Fatal("NewGenerator accepted invalid parameters")
			}
		})
	}

	t.Run("ValidParameters", func(t *testing.T) {
		if _, err := NewGenerator(valid()); err != nil {
			t.Fatalf("NewGenerator rejected valid parameters: %v", err)
		}
	})
}
