// Package dng serializes the reconstructed synthetic flat into a
// DNG-flavored TIFF container that downstream raw processors accept:
// one uncompressed 16-bit CFA strip plus the metadata tags that govern
// how the flat's intensity scale and color balance are interpreted.
package dng

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"synthflat/internal/models"
	"synthflat/pkg/metadata"
	"synthflat/pkg/mosaic"
)

// Canonical names of the tags the encoder understands, matched against
// resolved metadata fields with their exiftool group stripped.
const (
	TagCFAPattern    = "CFAPattern"
	TagBlackLevel    = "BlackLevel"
	TagWhiteLevel    = "WhiteLevel"
	TagColorMatrix1  = "ColorMatrix1"
	TagAsShotNeutral = "AsShotNeutral"
)

// requiredTags are mandatory for downstream compatibility. Omitting any
// of them causes a raw processor to misinterpret the flat's intensity
// scale or color balance, so encoding fails instead of writing a file
// with partial or default values.
var requiredTags = []string{TagCFAPattern, TagBlackLevel, TagWhiteLevel, TagColorMatrix1, TagAsShotNeutral}

// descriptiveTags maps optional resolved fields to their container tag.
var descriptiveTags = map[string]uint16{
	"ImageDescription":  tagImageDescription,
	"Make":              tagMake,
	"Model":             tagModel,
	"Software":          tagSoftware,
	"DateTime":          tagDateTime,
	"UniqueCameraModel": tagUniqueCameraModel,
}

// MissingRequiredMetadataError indicates that the resolver did not
// supply every tag the output container requires.
type MissingRequiredMetadataError struct {
	Missing []string
}

func (e *MissingRequiredMetadataError) Error() string {
	return fmt.Sprintf("cannot encode flat: required metadata missing: %s", strings.Join(e.Missing, ", "))
}

// Flat is the finished synthetic flat: the reconstructed mosaic grid
// plus its resolved metadata. It is immutable once produced and
// consumed exactly once by Encode.
type Flat struct {
	// Pix holds Width*Height mosaic samples, row-major
	Pix []uint16

	// Width and Height are the full mosaic dimensions
	Width, Height int

	// BitDepth is the significant sample bit depth
	BitDepth int

	// Pattern is the mosaic tiling of the grid
	Pattern mosaic.Pattern

	// Tags is the resolved metadata in resolution order
	Tags []metadata.Tag
}

// Encode validates the flat's metadata and writes the output container.
// The file is written to a temporary path in the destination directory
// and renamed into place on success, so a failed run never leaves a
// partial output file behind. Resolved fields without a container tag
// mapping are dropped with a warning.
func Encode(flat *Flat, dst string) ([]models.Warning, error) {
	byName := make(map[string]string, len(flat.Tags))
	order := make([]string, 0, len(flat.Tags))
	for _, tag := range flat.Tags {
		name := metadata.BareName(tag.Name)
		if _, dup := byName[name]; !dup {
			order = append(order, name)
		}
		byName[name] = tag.Value
	}

	var missing []string
	for _, name := range requiredTags {
		if _, ok := byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingRequiredMetadataError{Missing: missing}
	}

	entries, warnings, err := buildEntries(flat, byName, order)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".synthflat-*.dng.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary output file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := writeContainer(tmp, entries, flat.Pix); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write output container: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize output container: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to move output into place: %w", err)
	}
	return warnings, nil
}

// buildEntries converts the validated tag values into directory entries.
func buildEntries(flat *Flat, byName map[string]string, order []string) ([]ifdEntry, []models.Warning, error) {
	if len(flat.Pix) != flat.Width*flat.Height {
		return nil, nil, fmt.Errorf("flat has %d samples, want %d for %dx%d",
			len(flat.Pix), flat.Width*flat.Height, flat.Width, flat.Height)
	}

	pattern, err := mosaic.ParsePattern(byName[TagCFAPattern])
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s tag: %w", TagCFAPattern, err)
	}
	if pattern != flat.Pattern {
		return nil, nil, fmt.Errorf("%s tag %s contradicts the flat's pattern %s",
			TagCFAPattern, pattern, flat.Pattern)
	}

	blackLevel, err := parseLevel(byName[TagBlackLevel])
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s tag: %w", TagBlackLevel, err)
	}
	whiteLevel, err := parseLevel(byName[TagWhiteLevel])
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s tag: %w", TagWhiteLevel, err)
	}
	if whiteLevel <= blackLevel {
		return nil, nil, fmt.Errorf("white level %d must exceed black level %d", whiteLevel, blackLevel)
	}

	matrix, err := parseFloats(byName[TagColorMatrix1], 9)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s tag: %w", TagColorMatrix1, err)
	}
	neutral, err := parseFloats(byName[TagAsShotNeutral], 3)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s tag: %w", TagAsShotNeutral, err)
	}
	for _, v := range neutral {
		if v < 0 {
			return nil, nil, fmt.Errorf("invalid %s tag: value %g is negative", TagAsShotNeutral, v)
		}
	}

	cfa := pattern.CFAIndices()
	matrixRationals := make([]srational, len(matrix))
	for i, v := range matrix {
		matrixRationals[i] = toSRational(v)
	}
	neutralRationals := make([]rational, len(neutral))
	for i, v := range neutral {
		neutralRationals[i] = toRational(v)
	}

	entries := []ifdEntry{
		entryLong(tagImageWidth, uint32(flat.Width)),
		entryLong(tagImageLength, uint32(flat.Height)),
		entryShort(tagBitsPerSample, 16),
		entryShort(tagCompression, 1),
		entryShort(tagPhotometric, photometricCFA),
		entryShort(tagSamplesPerPixel, 1),
		entryLong(tagRowsPerStrip, uint32(flat.Height)),
		entryShort(tagPlanarConfig, 1),
		entryShort(tagCFARepeatPatternDim, mosaic.PatternSize, mosaic.PatternSize),
		entryBytes(tagCFAPattern, cfa[:]),
		entryBytes(tagDNGVersion, []byte{1, 4, 0, 0}),
		entryLong(tagBlackLevel, blackLevel),
		entryLong(tagWhiteLevel, whiteLevel),
		entrySRational(tagColorMatrix1, matrixRationals),
		entryRational(tagAsShotNeutral, neutralRationals),
	}

	var warnings []models.Warning
	for _, name := range order {
		switch name {
		case TagCFAPattern, TagBlackLevel, TagWhiteLevel, TagColorMatrix1, TagAsShotNeutral:
			continue
		}
		tagNum, ok := descriptiveTags[name]
		if !ok {
			warnings = append(warnings, models.Warning{
				Stage:   models.StageEncode,
				Message: fmt.Sprintf("field %s dropped: no container tag mapping", name),
			})
			continue
		}
		entries = append(entries, entryASCII(tagNum, byName[name]))
	}
	return entries, warnings, nil
}

// parseLevel parses an integer level tag value.
func parseLevel(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("want a non-negative integer, got %q", s)
	}
	return uint32(v), nil
}

// parseFloats parses a space-separated float list of exactly n values.
func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("want %d values, got %d in %q", n, len(fields), s)
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a number", f)
		}
		out[i] = v
	}
	return out, nil
}
