// Package params loads the trading parameter file. Process-level settings
// (paths, ports, credentials) live in pkg/config; everything that shapes
// trading behavior lives here so a parameter change never needs a rebuild.
package params

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TPLevel is one rung of the take-profit ladder: close CloseFraction of the
// original position size once price reaches RMultiple × R past entry.
type TPLevel struct {
	RMultiple     float64 `yaml:"r_multiple"`
	CloseFraction float64 `yaml:"close_fraction"`
}

// Risk holds position-sizing knobs.
type Risk struct {
	// BaseFraction is the fraction of balance risked per trade (0.0065 = 0.65%).
	BaseFraction   float64 `yaml:"base_fraction"`
	SanityMultiple float64 `yaml:"sanity_multiple"`

	// Multiplier clamps. Effective risk = base × confluence × streak × tier,
	// each factor clamped to its configured range.
	ConfluenceMin float64 `yaml:"confluence_min"`
	ConfluenceMax float64 `yaml:"confluence_max"`
	StreakMin     float64 `yaml:"streak_min"`
	StreakMax     float64 `yaml:"streak_max"`
	StreakStep    float64 `yaml:"streak_step"`

	MaxOpenPositions int `yaml:"max_open_positions"`
	MaxTradesPerDay  int `yaml:"max_trades_per_day"`

	// Cumulative portfolio risk cap across open positions. Disabled by
	// default to match the reference simulator.
	CumulativeEnabled bool    `yaml:"cumulative_enabled"`
	CumulativeMaxPct  float64 `yaml:"cumulative_max_pct"`
}

// Entry holds queue/classifier knobs.
type Entry struct {
	ImmediateThresholdR float64 `yaml:"immediate_threshold_r"`
	ProximityThresholdR float64 `yaml:"proximity_threshold_r"`
	MaxWaitHours        float64 `yaml:"max_wait_hours"`
	SpreadWaitHours     float64 `yaml:"spread_wait_hours"`

	// Cancel entries once price has run further than MaxDistanceR away.
	// The source flip-flopped on this; it is an explicit flag here.
	CancelBeyondMaxR bool    `yaml:"cancel_beyond_max_r"`
	MaxDistanceR     float64 `yaml:"max_distance_r"`
}

// Drawdown holds the guard's tier thresholds, all in percent.
type Drawdown struct {
	DailyWarningPct   float64 `yaml:"daily_warning_pct"`
	DailyReducePct    float64 `yaml:"daily_reduce_pct"`
	DailyHaltPct      float64 `yaml:"daily_halt_pct"`
	ReduceRiskFactor  float64 `yaml:"reduce_risk_factor"`
	TotalWarningPct   float64 `yaml:"total_warning_pct"`
	TotalEmergencyPct float64 `yaml:"total_emergency_pct"`
	TotalStopOutPct   float64 `yaml:"total_stopout_pct"`
	RolloverHourUTC   int     `yaml:"rollover_hour_utc"`
}

// Weekend holds the Friday gap-protection policy.
type Weekend struct {
	Enabled          bool    `yaml:"enabled"`
	FridayCloseHour  int     `yaml:"friday_close_hour_utc"`
	CloseAboveDDDPct float64 `yaml:"close_above_ddd_pct"`
}

// Trailing holds stop-ratchet knobs.
type Trailing struct {
	// BufferR is added past the previous TP target when ratcheting after
	// level n (n ≥ 2).
	BufferR float64 `yaml:"buffer_r"`
	// ProgressiveTriggerR trails the stop to the first TP target once price
	// reaches this R, even before the second level hits. Zero disables it.
	ProgressiveTriggerR float64 `yaml:"progressive_trigger_r"`
}

// Params is the full trading parameter set.
type Params struct {
	Risk      Risk      `yaml:"risk"`
	Entry     Entry     `yaml:"entry"`
	Drawdown  Drawdown  `yaml:"drawdown"`
	Weekend   Weekend   `yaml:"weekend"`
	Trailing  Trailing  `yaml:"trailing"`
	TPDefault []TPLevel `yaml:"tp_default"`
}

// Defaults returns the parameter set the live account runs with.
func Defaults() Params {
	return Params{
		Risk: Risk{
			BaseFraction:     0.0065,
			SanityMultiple:   2.0,
			ConfluenceMin:    0.8,
			ConfluenceMax:    1.25,
			StreakMin:        0.6,
			StreakMax:        1.3,
			StreakStep:       0.1,
			MaxOpenPositions: 7,
			MaxTradesPerDay:  10,
			CumulativeMaxPct: 5.0,
		},
		Entry: Entry{
			ImmediateThresholdR: 0.05,
			ProximityThresholdR: 0.3,
			MaxWaitHours:        48,
			SpreadWaitHours:     4,
			MaxDistanceR:        1.5,
		},
		Drawdown: Drawdown{
			DailyWarningPct:   2.5,
			DailyReducePct:    3.5,
			DailyHaltPct:      4.2,
			ReduceRiskFactor:  0.67,
			TotalWarningPct:   5.0,
			TotalEmergencyPct: 7.0,
			TotalStopOutPct:   10.0,
		},
		Weekend: Weekend{
			FridayCloseHour:  21,
			CloseAboveDDDPct: 2.0,
		},
		Trailing: Trailing{
			BufferR:             0.5,
			ProgressiveTriggerR: 0.9,
		},
		TPDefault: []TPLevel{
			{RMultiple: 1.7, CloseFraction: 0.45},
			{RMultiple: 2.7, CloseFraction: 0.30},
			{RMultiple: 6.0, CloseFraction: 0.25},
		},
	}
}

// Load reads a YAML parameter file, layered over Defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Params, error) {
	p := Defaults()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read params file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse params file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate rejects parameter sets that would break engine invariants.
func (p Params) Validate() error {
	if p.Risk.BaseFraction <= 0 || p.Risk.BaseFraction > 0.05 {
		return fmt.Errorf("risk.base_fraction %v out of range (0, 0.05]", p.Risk.BaseFraction)
	}
	if p.Risk.SanityMultiple < 1 {
		return fmt.Errorf("risk.sanity_multiple %v must be >= 1", p.Risk.SanityMultiple)
	}
	if p.Entry.ImmediateThresholdR <= 0 || p.Entry.ImmediateThresholdR > p.Entry.ProximityThresholdR {
		return fmt.Errorf("entry thresholds invalid: immediate=%v proximity=%v",
			p.Entry.ImmediateThresholdR, p.Entry.ProximityThresholdR)
	}
	if p.Drawdown.DailyWarningPct > p.Drawdown.DailyReducePct ||
		p.Drawdown.DailyReducePct > p.Drawdown.DailyHaltPct {
		return fmt.Errorf("daily drawdown tiers must be non-decreasing")
	}
	if p.Drawdown.TotalWarningPct > p.Drawdown.TotalEmergencyPct ||
		p.Drawdown.TotalEmergencyPct > p.Drawdown.TotalStopOutPct {
		return fmt.Errorf("total drawdown tiers must be non-decreasing")
	}
	if p.Drawdown.RolloverHourUTC < 0 || p.Drawdown.RolloverHourUTC > 23 {
		return fmt.Errorf("drawdown.rollover_hour_utc %d out of range", p.Drawdown.RolloverHourUTC)
	}
	var totalFraction float64
	last := 0.0
	for i, lv := range p.TPDefault {
		if lv.RMultiple <= last {
			return fmt.Errorf("tp_default[%d]: r_multiple %v not ascending", i, lv.RMultiple)
		}
		if lv.CloseFraction <= 0 || lv.CloseFraction > 1 {
			return fmt.Errorf("tp_default[%d]: close_fraction %v out of (0, 1]", i, lv.CloseFraction)
		}
		last = lv.RMultiple
		totalFraction += lv.CloseFraction
	}
	if totalFraction > 1.0+1e-9 {
		return fmt.Errorf("tp_default close fractions sum to %v > 1", totalFraction)
	}
	return nil
}
