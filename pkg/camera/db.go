// Package camera loads the camera database: a YAML document describing,
// per supported camera, how to recognize it from frame metadata, which
// metadata field carries its mosaic pattern and which fields belong in
// a master flat.
package camera

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"synthflat/pkg/mosaic"
)

// FieldRef names one metadata field by exiftool group and tag name.
type FieldRef struct {
	Group string `yaml:"group"`
	Name  string `yaml:"name"`
}

// Key returns the group:name form used in metadata mappings.
func (f FieldRef) Key() string { return f.Group + ":" + f.Name }

// Camera is one database entry.
type Camera struct {
	// Name is an optional human-readable identifier
	Name string `yaml:"name"`

	// ExiftoolProperties are the match rules: every listed key/value
	// pair must be present verbatim in a frame's metadata for the
	// camera to match. Each map carries a "group" key plus the tag
	// name/value pairs of that group.
	ExiftoolProperties []map[string]string `yaml:"exiftool_properties"`

	// BayerPattern names the metadata field that carries the mosaic
	// pattern descriptor for this camera.
	BayerPattern []FieldRef `yaml:"bayer_pattern"`

	// MasterFlatMetadata lists the fields to carry into a master flat.
	MasterFlatMetadata []FieldRef `yaml:"master_flat_metadata"`
}

// DB is a loaded camera database.
type DB struct {
	cameras []Camera
}

// dbEntry matches the document's top-level list shape.
type dbEntry struct {
	Camera Camera `yaml:"camera"`
}

// Load reads and parses a camera database file.
func Load(path string) (*DB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading camera database: %w", err)
	}
	var entries []dbEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing camera database: %w", err)
	}
	db := &DB{cameras: make([]Camera, 0, len(entries))}
	for _, e := range entries {
		db.cameras = append(db.cameras, e.Camera)
	}
	return db, nil
}

// matchProperties reports whether every property pair of the camera is
// present with an equal value in the metadata. An entry without match
// rules never matches; a vacuous rule set must not claim every frame.
func (c *Camera) matchProperties(meta map[string]string) bool {
	if len(c.ExiftoolProperties) == 0 {
		return false
	}
	for _, prop := range c.ExiftoolProperties {
		group := prop["group"]
		for key, want := range prop {
			if key == "group" {
				continue
			}
			if meta[group+":"+key] != want {
				return false
			}
		}
	}
	return true
}

// Match returns the first camera whose properties all match the given
// frame metadata, or nil when no entry matches.
func (db *DB) Match(meta map[string]string) *Camera {
	for i := range db.cameras {
		if db.cameras[i].matchProperties(meta) {
			return &db.cameras[i]
		}
	}
	return nil
}

// Pattern looks up and standardizes the camera's mosaic pattern from
// the frame metadata.
func (c *Camera) Pattern(meta map[string]string) (mosaic.Pattern, error) {
	if len(c.BayerPattern) == 0 {
		return mosaic.Pattern{}, fmt.Errorf("camera %q declares no bayer pattern field", c.Name)
	}
	key := c.BayerPattern[0].Key()
	descriptor, ok := meta[key]
	if !ok {
		return mosaic.Pattern{}, fmt.Errorf("metadata field %s not present in frame", key)
	}
	return mosaic.ParsePattern(descriptor)
}

// MasterFlatFields returns the group:name keys of the fields declared
// for master flats.
func (c *Camera) MasterFlatFields() []string {
	keys := make([]string, 0, len(c.MasterFlatMetadata))
	for _, f := range c.MasterFlatMetadata {
		keys = append(keys, f.Key())
	}
	return keys
}

// MasterFlatMetadataValues collects the declared master-flat fields
// from the frame metadata. With requireAll set, a missing field is an
// error; otherwise missing fields are skipped.
func (c *Camera) MasterFlatMetadataValues(meta map[string]string, requireAll bool) (map[string]string, error) {
	result := make(map[string]string, len(c.MasterFlatMetadata))
	var missing []string
	for _, f := range c.MasterFlatMetadata {
		key := f.Key()
		if v, ok := meta[key]; ok {
			result[key] = v
		} else {
			missing = append(missing, key)
		}
	}
	if requireAll && len(missing) > 0 {
		return nil, fmt.Errorf("metadata fields missing from frame: %v", missing)
	}
	return result, nil
}
