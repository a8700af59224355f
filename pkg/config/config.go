// Package config provides configuration loading and validation for
// synthflat. It handles the processing-parameters and metadata-spec
// YAML documents and fails fast: every configuration error is surfaced
// before any frame is processed.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"synthflat/pkg/metadata"
	"synthflat/pkg/stacking"
	"synthflat/pkg/starremoval"
)

// ConfigurationError indicates bad or missing parameters, including an
// unrecognized method. It is fatal and raised before processing starts.
type ConfigurationError struct {
	// Field is the offending parameter
	Field string

	// Reason explains the rejection
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Reason)
}

// ProcessingParameters is the process_params document controlling one
// generation run.
type ProcessingParameters struct {
	// Method selects the artifact-removal strategy: none, median or
	// external. Required.
	Method string `yaml:"method"`

	// Threshold is the star-candidate brightness threshold for the
	// median method, interpreted per ThresholdMode.
	Threshold float64 `yaml:"threshold"`

	// ThresholdMode is "percentile" (default) or "absolute".
	ThresholdMode string `yaml:"threshold_mode"`

	// MedianFilterSize is the odd neighborhood side length for star
	// replacement.
	MedianFilterSize int `yaml:"median_filter_size"`

	// GaussianBlurSigma is the final smoothing sigma; zero disables
	// the pass.
	GaussianBlurSigma float64 `yaml:"gaussian_blur_sigma"`

	// ExternalToolPath is the star-removal executable for the
	// external method.
	ExternalToolPath string `yaml:"external_tool_path"`

	// ExternalToolTimeoutSeconds bounds one tool invocation; zero
	// means no deadline.
	ExternalToolTimeoutSeconds int `yaml:"external_tool_timeout_seconds"`

	// ExternalToolArgs are extra flags appended after the input and
	// output files.
	ExternalToolArgs []string `yaml:"external_tool_args"`

	// FallbackMethod, when set, is applied to a channel whose
	// external tool invocation failed instead of aborting the run.
	// Only none and median are accepted.
	FallbackMethod string `yaml:"fallback_method"`

	// CombineRule is the multi-frame stacking statistic: median
	// (default) or mean.
	CombineRule string `yaml:"combine_rule"`

	// Strict makes a per-frame decode failure fatal for the whole run
	// instead of excluding the frame with a warning.
	Strict bool `yaml:"strict"`
}

// Threshold mode names accepted in processing parameters.
const (
	ThresholdModePercentile = "percentile"
	ThresholdModeAbsolute   = "absolute"
)

// DefaultProcessingParameters returns the documented defaults. Method
// is intentionally left empty: the strategy choice must be explicit.
func DefaultProcessingParameters() *ProcessingParameters {
	return &ProcessingParameters{
		Threshold:         99.5,
		ThresholdMode:     ThresholdModePercentile,
		MedianFilterSize:  5,
		GaussianBlurSigma: 2.0,
		CombineRule:       "median",
	}
}

// LoadProcessingParameters reads and validates a process_params file.
// Unlike optional configuration, the file must exist: the method
// selection is never defaulted.
func LoadProcessingParameters(path string) (*ProcessingParameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading processing parameters: %w", err)
	}

	params := DefaultProcessingParameters()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(params); err != nil {
		return nil, &ConfigurationError{Field: path, Reason: err.Error()}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// Validate checks the parameter combinations for the selected method.
func (p *ProcessingParameters) Validate() error {
	if _, err := starremoval.Select(p.Method); err != nil {
		return &ConfigurationError{Field: "method", Reason: err.Error()}
	}
	if _, err := stacking.ParseCombineRule(p.CombineRule); err != nil {
		return &ConfigurationError{Field: "combine_rule", Reason: err.Error()}
	}

	switch p.FallbackMethod {
	case "", starremoval.MethodNone, starremoval.MethodMedian:
	case starremoval.MethodExternal:
		return &ConfigurationError{Field: "fallback_method", Reason: "external cannot be its own fallback"}
	default:
		return &ConfigurationError{Field: "fallback_method", Reason: fmt.Sprintf("unknown method %q", p.FallbackMethod)}
	}

	needsMedian := p.Method == starremoval.MethodMedian || p.FallbackMethod == starremoval.MethodMedian
	if needsMedian {
		if err := p.validateMedian(); err != nil {
			return err
		}
	}

	if p.Method == starremoval.MethodExternal {
		if p.ExternalToolPath == "" {
			return &ConfigurationError{Field: "external_tool_path", Reason: "required by the external method"}
		}
		if p.ExternalToolTimeoutSeconds < 0 {
			return &ConfigurationError{Field: "external_tool_timeout_seconds", Reason: "must be >= 0"}
		}
	}
	return nil
}

func (p *ProcessingParameters) validateMedian() error {
	switch p.ThresholdMode {
	case ThresholdModePercentile:
		if p.Threshold <= 0 || p.Threshold > 100 {
			return &ConfigurationError{Field: "threshold", Reason: "percentile must be in (0, 100]"}
		}
	case ThresholdModeAbsolute:
		if p.Threshold < 0 {
			return &ConfigurationError{Field: "threshold", Reason: "absolute threshold must be >= 0"}
		}
	default:
		return &ConfigurationError{
			Field:  "threshold_mode",
			Reason: fmt.Sprintf("unknown mode %q (want %s or %s)", p.ThresholdMode, ThresholdModePercentile, ThresholdModeAbsolute),
		}
	}
	if p.MedianFilterSize < 1 || p.MedianFilterSize%2 == 0 {
		return &ConfigurationError{Field: "median_filter_size", Reason: "must be an odd integer >= 1"}
	}
	if p.GaussianBlurSigma < 0 {
		return &ConfigurationError{Field: "gaussian_blur_sigma", Reason: "must be >= 0"}
	}
	return nil
}

// StrategyParams converts the document values to the strategy knob set.
func (p *ProcessingParameters) StrategyParams() starremoval.Params {
	mode := starremoval.PercentileThreshold
	if p.ThresholdMode == ThresholdModeAbsolute {
		mode = starremoval.AbsoluteThreshold
	}
	return starremoval.Params{
		Threshold:         p.Threshold,
		ThresholdMode:     mode,
		MedianFilterSize:  p.MedianFilterSize,
		GaussianBlurSigma: p.GaussianBlurSigma,
		ToolPath:          p.ExternalToolPath,
		ToolArgs:          p.ExternalToolArgs,
		Timeout:           time.Duration(p.ExternalToolTimeoutSeconds) * time.Second,
	}
}

// Rule returns the parsed combine rule. Validate must have succeeded.
func (p *ProcessingParameters) Rule() stacking.CombineRule {
	rule, err := stacking.ParseCombineRule(p.CombineRule)
	if err != nil {
		return stacking.Median
	}
	return rule
}

// SaveProcessingParameters writes the parameters to a YAML file, used
// to scaffold a starting configuration.
func SaveProcessingParameters(p *ProcessingParameters, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("error marshaling processing parameters: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing processing parameters: %w", err)
	}
	return nil
}

// specEntry is the YAML shape of one metadata spec directive.
type specEntry struct {
	Field        string  `yaml:"field"`
	Value        *string `yaml:"value"`
	CopyIfStable bool    `yaml:"copy_if_stable"`
}

// LoadMetadataSpec reads a metadata_spec file: an ordered list of
// entries carrying either a literal value or a copy_if_stable
// directive. Order is preserved into the resolved output.
func LoadMetadataSpec(path string) ([]metadata.SpecEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading metadata spec: %w", err)
	}

	var entries []specEntry
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil {
		return nil, &ConfigurationError{Field: path, Reason: err.Error()}
	}

	spec := make([]metadata.SpecEntry, 0, len(entries))
	for i, e := range entries {
		if e.Field == "" {
			return nil, &ConfigurationError{
				Field:  fmt.Sprintf("metadata_spec[%d]", i),
				Reason: "entry has no field name",
			}
		}
		if (e.Value != nil) == e.CopyIfStable {
			return nil, &ConfigurationError{
				Field:  fmt.Sprintf("metadata_spec[%d] (%s)", i, e.Field),
				Reason: "entry needs exactly one of value or copy_if_stable",
			}
		}
		out := metadata.SpecEntry{Field: e.Field, CopyIfStable: e.CopyIfStable}
		if e.Value != nil {
			out.Value = *e.Value
		}
		spec = append(spec, out)
	}
	return spec, nil
}
