// Package metadata extracts per-frame metadata through exiftool,
// analyzes the variability of each field across a batch and resolves
// the metadata embedded into the synthetic flat.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Extractor runs exiftool to read the metadata of one file. Keys are
// reported as group:name (exiftool -G), values as strings; composite
// values are flattened to canonical JSON so they stay comparable across
// frames.
type Extractor struct {
	// Command is the exiftool binary to invoke; empty means "exiftool"
	// from PATH.
	Command string
}

// NewExtractor returns an Extractor using the exiftool on PATH.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// ExtractFile reads the full metadata mapping of a single file.
func (e *Extractor) ExtractFile(ctx context.Context, path string) (map[string]string, error) {
	command := e.Command
	if command == "" {
		command = "exiftool"
	}
	cmd := exec.CommandContext(ctx, command, "-G", "-s", "-H", "-a", "-u", "-json", path)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("exiftool failed for %s: %w", path, err)
	}

	var records []map[string]any
	if err := json.Unmarshal(out, &records); err != nil {
		return nil, fmt.Errorf("failed to parse exiftool output for %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("exiftool returned no metadata for %s", path)
	}

	meta := make(map[string]string, len(records[0]))
	for key, value := range records[0] {
		meta[key] = flattenValue(value)
	}
	return meta, nil
}

// flattenValue renders a metadata value as a stable string. Maps and
// lists become canonical JSON (encoding/json sorts map keys), so two
// frames carrying the same composite value compare equal.
func flattenValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		s := fmt.Sprintf("%g", value)
		return s
	case bool:
		if value {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(encoded)
	}
}

// Analysis maps each metadata field name to the sorted set of distinct
// values observed across a batch of frames.
type Analysis map[string][]string

// Analyze compiles the distinct-value sets of every field across the
// batch. Fields absent from a frame simply contribute nothing for that
// frame.
func Analyze(batch []map[string]string) Analysis {
	values := make(map[string]map[string]struct{})
	for _, meta := range batch {
		for field, value := range meta {
			set, ok := values[field]
			if !ok {
				set = make(map[string]struct{})
				values[field] = set
			}
			set[value] = struct{}{}
		}
	}

	analysis := make(Analysis, len(values))
	for field, set := range values {
		distinct := make([]string, 0, len(set))
		for v := range set {
			distinct = append(distinct, v)
		}
		sort.Strings(distinct)
		analysis[field] = distinct
	}
	return analysis
}

// Fields returns the analyzed field names in sorted order.
func (a Analysis) Fields() []string {
	fields := make([]string, 0, len(a))
	for f := range a {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Stable returns the single distinct value of a field and whether the
// field is stable (exactly one distinct value across the batch).
func (a Analysis) Stable(field string) (string, bool) {
	values, ok := a[field]
	if !ok || len(values) != 1 {
		return "", false
	}
	return values[0], true
}

// BareName strips the exiftool group prefix from a field name:
// "EXIF:CFAPattern" becomes "CFAPattern".
func BareName(field string) string {
	if i := strings.IndexByte(field, ':'); i >= 0 {
		return field[i+1:]
	}
	return field
}
