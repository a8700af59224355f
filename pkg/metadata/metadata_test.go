package metadata

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func sampleBatch() []map[string]string {
	return []map[string]string{
		{"EXIF:Make": "Nikon", "EXIF:Model": "D5300", "EXIF:ISO": "400", "EXIF:ExposureTime": "1/60"},
		{"EXIF:Make": "Nikon", "EXIF:Model": "D5300", "EXIF:ISO": "800", "EXIF:ExposureTime": "1/125"},
		{"EXIF:Make": "Nikon", "EXIF:Model": "D5300", "EXIF:ISO": "400", "EXIF:ExposureTime": "1/60"},
	}
}

func TestAnalyze(t *testing.T) {
	analysis := Analyze(sampleBatch())

	if got := analysis["EXIF:Make"]; len(got) != 1 || got[0] != "Nikon" {
		t.Errorf("EXIF:Make analysis = %v, want [Nikon]", got)
	}
	if got := analysis["EXIF:ISO"]; len(got) != 2 || got[0] != "400" || got[1] != "800" {
		t.Errorf("EXIF:ISO analysis = %v, want sorted [400 800]", got)
	}
	if got := analysis["EXIF:ExposureTime"]; len(got) != 2 {
		t.Errorf("EXIF:ExposureTime has %d distinct values, want 2", len(got))
	}

	if _, stable := analysis.Stable("EXIF:ISO"); stable {
		t.Error("ISO reported stable despite two distinct values")
	}
	if v, stable := analysis.Stable("EXIF:Model"); !stable || v != "D5300" {
		t.Errorf("Stable(EXIF:Model) = (%q, %v), want (D5300, true)", v, stable)
	}
}

func TestResolve(t *testing.T) {
	analysis := Analyze(sampleBatch())
	spec := []SpecEntry{
		{Field: "EXIF:Software", Value: "synthflat"},
		{Field: "EXIF:Make", CopyIfStable: true},
		{Field: "EXIF:ISO", CopyIfStable: true},
		{Field: "EXIF:WhiteBalance", CopyIfStable: true},
	}

	tags, warnings := Resolve(spec, analysis)

	want := []Tag{
		{Name: "EXIF:Software", Value: "synthflat"},
		{Name: "EXIF:Make", Value: "Nikon"},
	}
	if len(tags) != len(want) {
		t.Fatalf("Resolve returned %d tags, want %d: %v", len(tags), len(want), tags)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tag %d = %v, want %v (spec order must be preserved)", i, tags[i], want[i])
		}
	}

	// ISO varies and WhiteBalance is absent: both dropped with warnings.
	if len(warnings) != 2 {
		t.Fatalf("Resolve recorded %d warnings, want 2: %v", len(warnings), warnings)
	}
}

func TestResolveLiteralWinsOverInstability(t *testing.T) {
	analysis := Analyze(sampleBatch())
	spec := []SpecEntry{{Field: "EXIF:ISO", Value: "100"}}
	tags, warnings := Resolve(spec, analysis)
	if len(warnings) != 0 {
		t.Fatalf("literal override raised warnings: %v", warnings)
	}
	if len(tags) != 1 || tags[0].Value != "100" {
		t.Fatalf("Resolve = %v, want literal ISO 100", tags)
	}
}

func TestBareName(t *testing.T) {
	if got := BareName("EXIF:CFAPattern"); got != "CFAPattern" {
		t.Errorf("BareName = %q, want CFAPattern", got)
	}
	if got := BareName("CFAPattern"); got != "CFAPattern" {
		t.Errorf("BareName without group = %q, want CFAPattern", got)
	}
}

func TestFlattenValue(t *testing.T) {
	if got := flattenValue("RGGB"); got != "RGGB" {
		t.Errorf("flattenValue(string) = %q", got)
	}
	if got := flattenValue(float64(400)); got != "400" {
		t.Errorf("flattenValue(400) = %q, want 400", got)
	}
	if got := flattenValue(map[string]any{"b": 1, "a": 2}); got != `{"a":2,"b":1}` {
		t.Errorf("flattenValue(map) = %q, want sorted JSON", got)
	}
	if got := flattenValue(nil); got != "" {
		t.Errorf("flattenValue(nil) = %q, want empty", got)
	}
}

// TestExtractFileWithStub exercises the exiftool invocation against a
// stub that prints canned JSON, keeping the test hermetic.
func TestExtractFileWithStub(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub scripts require a POSIX shell")
	}
	dir := t.TempDir()
	stub := filepath.Join(dir, "exiftool-stub.sh")
	script := `#!/bin/sh
cat <<'EOF'
[{"SourceFile":"x.tiff","EXIF:Make":"NIKON CORPORATION","EXIF:ISO":400,"EXIF:CFAPattern":"[Red,Green][Green,Blue]"}]
EOF
`
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write stub: %v", err)
	}

	extractor := &Extractor{Command: stub}
	meta, err := extractor.ExtractFile(context.Background(), "x.tiff")
	if err != nil {
		t.Fatalf("ExtractFile failed: %v", err)
	}
	if meta["EXIF:Make"] != "NIKON CORPORATION" {
		t.Errorf("EXIF:Make = %q", meta["EXIF:Make"])
	}
	if meta["EXIF:ISO"] != "400" {
		t.Errorf("EXIF:ISO = %q, want 400", meta["EXIF:ISO"])
	}
}

func TestExtractFileMissingTool(t *testing.T) {
	extractor := &Extractor{Command: "/nonexistent/exiftool"}
	if _, err := extractor.ExtractFile(context.Background(), "x.tiff"); err == nil {
		t.Fatal("ExtractFile succeeded with a nonexistent binary")
	}
}
