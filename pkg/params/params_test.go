package params

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if p.Risk.BaseFraction != Defaults().Risk.BaseFraction {
		t.Errorf("got base fraction %v, want default", p.Risk.BaseFraction)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	body := `
risk:
  base_fraction: 0.01
  sanity_multiple: 2.0
entry:
  immediate_threshold_r: 0.1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Risk.BaseFraction != 0.01 {
		t.Errorf("base_fraction = %v, want 0.01", p.Risk.BaseFraction)
	}
	if p.Entry.ImmediateThresholdR != 0.1 {
		t.Errorf("immediate_threshold_r = %v, want 0.1", p.Entry.ImmediateThresholdR)
	}
	// Untouched keys keep their defaults.
	if p.Entry.ProximityThresholdR != 0.3 {
		t.Errorf("proximity_threshold_r = %v, want default 0.3", p.Entry.ProximityThresholdR)
	}
}

func TestValidateRejectsBrokenParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero base fraction", func(p *Params) { p.Risk.BaseFraction = 0 }},
		{"oversized base fraction", func(p *Params) { p.Risk.BaseFraction = 0.2 }},
		{"sanity below one", func(p *Params) { p.Risk.SanityMultiple = 0.5 }},
		{"immediate above proximity", func(p *Params) { p.Entry.ImmediateThresholdR = 0.5 }},
		{"daily tiers out of order", func(p *Params) { p.Drawdown.DailyWarningPct = 9 }},
		{"total tiers out of order", func(p *Params) { p.Drawdown.TotalEmergencyPct = 99 }},
		{"rollover hour out of range", func(p *Params) { p.Drawdown.RolloverHourUTC = 24 }},
		{"tp not ascending", func(p *Params) {
			p.TPDefault = []TPLevel{{RMultiple: 2, CloseFraction: 0.5}, {RMultiple: 1, CloseFraction: 0.5}}
		}},
		{"tp fractions over one", func(p *Params) {
			p.TPDefault = []TPLevel{{RMultiple: 1, CloseFraction: 0.7}, {RMultiple: 2, CloseFraction: 0.7}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Defaults()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}
