package metadata

import (
	"fmt"

	"synthflat/internal/models"
)

// SpecEntry is one directive of a metadata spec: either a literal
// override value for a field or an instruction to copy the field from
// the source batch when it is stable there.
type SpecEntry struct {
	// Field is the metadata field name, e.g. "EXIF:CFAPattern"
	Field string

	// Value is the literal override, used unconditionally when
	// CopyIfStable is false
	Value string

	// CopyIfStable copies the source batch's value only when the
	// batch shows exactly one distinct value for the field
	CopyIfStable bool
}

// Tag is one resolved metadata field destined for the output container.
type Tag struct {
	Name  string
	Value string
}

// Resolve decides the metadata embedded in the synthetic flat. Literal
// entries pass through unconditionally. Copy-if-stable entries are
// checked against the batch analysis and copied only when exactly one
// distinct value exists; otherwise the field is dropped and a warning
// recorded, never patched with an arbitrary pick. Output order follows
// spec order; fields not named by the spec are never invented.
func Resolve(spec []SpecEntry, analysis Analysis) ([]Tag, []models.Warning) {
	tags := make([]Tag, 0, len(spec))
	var warnings []models.Warning

	for _, entry := range spec {
		if !entry.CopyIfStable {
			tags = append(tags, Tag{Name: entry.Field, Value: entry.Value})
			continue
		}

		values, present := analysis[entry.Field]
		switch {
		case !present || len(values) == 0:
			warnings = append(warnings, models.Warning{
				Stage:   models.StageMetadata,
				Message: fmt.Sprintf("field %s dropped: not present in any source frame", entry.Field),
			})
		case len(values) > 1:
			warnings = append(warnings, models.Warning{
				Stage: models.StageMetadata,
				Message: fmt.Sprintf("field %s dropped: %d distinct values across the batch",
					entry.Field, len(values)),
			})
		default:
			tags = append(tags, Tag{Name: entry.Field, Value: values[0]})
		}
	}
	return tags, warnings
}
