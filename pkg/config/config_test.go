package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"synthflat/pkg/stacking"
	"synthflat/pkg/starremoval"
)

func writeParams(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "process_params.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write params fixture: %v", err)
	}
	return path
}

func assertConfigError(t *testing.T, err error) *ConfigurationError {
	t.Helper()
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want *ConfigurationError", err)
	}
	return cfgErr
}

func TestLoadProcessingParameters(t *testing.T) {
	t.Run("MedianMethod", func(t *testing.T) {
		path := writeParams(t, `
method: median
threshold: 98
median_filter_size: 7
gaussian_blur_sigma: 1.5
combine_rule: mean
`)
		p, err := LoadProcessingParameters(path)
		if err != nil {
			t.Fatalf("LoadProcessingParameters failed: %v", err)
		}
		if p.Method != starremoval.MethodMedian || p.MedianFilterSize != 7 {
			t.Errorf("unexpected parameters: %+v", p)
		}
		if p.ThresholdMode != ThresholdModePercentile {
			t.Errorf("threshold_mode default = %q, want percentile", p.ThresholdMode)
		}
		if p.Rule() != stacking.Mean {
			t.Errorf("Rule() = %v, want mean", p.Rule())
		}
	})

	t.Run("ExternalMethod", func(t *testing.T) {
		path := writeParams(t, `
method: external
external_tool_path: /opt/starnet/starnet++
external_tool_timeout_seconds: 120
external_tool_args: ["--stride", "128"]
`)
		p, err := LoadProcessingParameters(path)
		if err != nil {
			t.Fatalf("LoadProcessingParameters failed: %v", err)
		}
		sp := p.StrategyParams()
		if sp.ToolPath != "/opt/starnet/starnet++" || sp.Timeout != 120*time.Second {
			t.Errorf("strategy params = %+v", sp)
		}
		if len(sp.ToolArgs) != 2 || sp.ToolArgs[0] != "--stride" {
			t.Errorf("tool args = %v", sp.ToolArgs)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := LoadProcessingParameters(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatal("LoadProcessingParameters accepted a missing file")
		}
	})

	t.Run("UnknownKeyRejected", func(t *testing.T) {
		path := writeParams(t, "method: none\nstarnet_tiles: 4\n")
		_, err := LoadProcessingParameters(path)
		assertConfigError(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *ProcessingParameters {
		p := DefaultProcessingParameters()
		p.Method = starremoval.MethodMedian
		return p
	}

	cases := []struct {
		name   string
		mutate func(*ProcessingParameters)
	}{
		{"UnknownMethod", func(p *ProcessingParameters) { p.Method = "starnet3000" }},
		{"EmptyMethod", func(p *ProcessingParameters) { p.Method = "" }},
		{"EvenFilterSize", func(p *ProcessingParameters) { p.MedianFilterSize = 4 }},
		{"ZeroFilterSize", func(p *ProcessingParameters) { p.MedianFilterSize = 0 }},
		{"PercentileOutOfRange", func(p *ProcessingParameters) { p.Threshold = 150 }},
		{"NegativeSigma", func(p *ProcessingParameters) { p.GaussianBlurSigma = -1 }},
		{"UnknownThresholdMode", func(p *ProcessingParameters) { p.ThresholdMode = "adaptive" }},
		{"UnknownCombineRule", func(p *ProcessingParameters) { p.CombineRule = "mode" }},
		{"ExternalWithoutPath", func(p *ProcessingParameters) {
			p.Method = starremoval.MethodExternal
			p.ExternalToolPath = ""
		}},
		{"NegativeTimeout", func(p *ProcessingParameters) {
			p.Method = starremoval.MethodExternal
			p.ExternalToolPath = "/usr/bin/starnet"
			p.ExternalToolTimeoutSeconds = -5
		}},
		{"ExternalFallback", func(p *ProcessingParameters) { p.FallbackMethod = "external" }},
		{"UnknownFallback", func(p *ProcessingParameters) { p.FallbackMethod = "retry" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := valid()
			c.mutate(p)
			assertConfigError(t, p.Validate())
		})
	}

	t.Run("FallbackRequiresValidMedianParams", func(t *testing.T) {
		p := DefaultProcessingParameters()
		p.Method = starremoval.MethodExternal
		p.ExternalToolPath = "/usr/bin/starnet"
		p.FallbackMethod = starremoval.MethodMedian
		p.MedianFilterSize = 2
		assertConfigError(t, p.Validate())
	})

	t.Run("ValidAbsoluteMode", func(t *testing.T) {
		p := valid()
		p.ThresholdMode = ThresholdModeAbsolute
		p.Threshold = 12000
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate rejected valid absolute-mode parameters: %v", err)
		}
	})
}

func TestLoadMetadataSpec(t *testing.T) {
	writeSpec := func(t *testing.T, contents string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "metadata_spec.yaml")
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatalf("failed to write spec fixture: %v", err)
		}
		return path
	}

	t.Run("OrderPreserved", func(t *testing.T) {
		path := writeSpec(t, `
- field: EXIF:Software
  value: synthflat
- field: EXIF:CFAPattern
  copy_if_stable: true
- field: EXIF:ISO
  copy_if_stable: true
`)
		spec, err := LoadMetadataSpec(path)
		if err != nil {
			t.Fatalf("LoadMetadataSpec failed: %v", err)
		}
		if len(spec) != 3 {
			t.Fatalf("loaded %d entries, want 3", len(spec))
		}
		if spec[0].Field != "EXIF:Software" || spec[0].Value != "synthflat" || spec[0].CopyIfStable {
			t.Errorf("entry 0 = %+v", spec[0])
		}
		if spec[1].Field != "EXIF:CFAPattern" || !spec[1].CopyIfStable {
			t.Errorf("entry 1 = %+v", spec[1])
		}
	})

	t.Run("BothDirectivesRejected", func(t *testing.T) {
		path := writeSpec(t, `
- field: EXIF:ISO
  value: "400"
  copy_if_stable: true
`)
		_, err := LoadMetadataSpec(path)
		assertConfigError(t, err)
	})

	t.Run("NeitherDirectiveRejected", func(t *testing.T) {
		path := writeSpec(t, "- field: EXIF:ISO\n")
		_, err := LoadMetadataSpec(path)
		assertConfigError(t, err)
	})

	t.Run("MissingFieldName", func(t *testing.T) {
		path := writeSpec(t, "- value: synthflat\n")
		_, err := LoadMetadataSpec(path)
		assertConfigError(t, err)
	})
}
