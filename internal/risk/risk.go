// Package risk scores recent license activity for signs of sharing, cloning
// and other abuse. Assessments are derived views recomputed from the
// validation event stream; the only side effect is the optional
// auto-suspension.
package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Level buckets an overall score.
type Level string

const (
	LevelSafe     Level = "safe"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Factor names.
const (
	FactorVelocity    = "velocity"
	FactorGeographic  = "geographic_dispersion"
	FactorCloning     = "device_cloning"
	FactorConcurrent  = "concurrent_sessions"
	FactorTimePattern = "time_pattern"
)

// ActionSuspended is recorded when a scoring run suspended the license.
const ActionSuspended = "suspended"

// Factor is one scored signal. Score is 0..100 before weighting.
type Factor struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// Assessment is the derived risk view of one license.
type Assessment struct {
	LicenseID       uuid.UUID `json:"license_id"`
	OverallScore    float64   `json:"overall_score"`
	RiskLevel       Level     `json:"risk_level"`
	Factors         []Factor  `json:"factors"`
	AutoActionTaken *string   `json:"auto_action_taken"`
	EventsInWindow  int       `json:"events_in_window"`
	ComputedAt      time.Time `json:"computed_at"`
	Advice          string    `json:"advice,omitempty"`
}

// Weights multiply each factor score before summing.
type Weights struct {
	Velocity    float64 `yaml:"velocity" json:"velocity"`
	Geographic  float64 `yaml:"geographic" json:"geographic"`
	Cloning     float64 `yaml:"cloning" json:"cloning"`
	Concurrent  float64 `yaml:"concurrent" json:"concurrent"`
	TimePattern float64 `yaml:"time_pattern" json:"time_pattern"`
}

// Thresholds are the lower bounds of each level above safe.
type Thresholds struct {
	Low      float64 `yaml:"low" json:"low"`
	Medium   float64 `yaml:"medium" json:"medium"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Level maps a score to its bucket.
func (t Thresholds) Level(score float64) Level {
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	case score >= t.Low:
		return LevelLow
	default:
		return LevelSafe
	}
}

// Config tunes the scorer. Weights and thresholds are operator knobs; the
// defaults are a starting point, not a calibrated model.
type Config struct {
	// Window is the span of recent events each factor looks at.
	Window time.Duration
	// History is the lookback used to learn the licensee's usual hours.
	History time.Duration

	VelocityThreshold int
	// PlanVelocity overrides VelocityThreshold per plan code.
	PlanVelocity map[string]int

	// RelocationInterval is how long a plausible move between two locations
	// takes; it bounds how many distinct locations are feasible in a window.
	RelocationInterval time.Duration
	MaxTravelKmh       float64

	// SessionLength is how long a device counts as in use after a validation.
	SessionLength time.Duration

	MinHistoryEvents int
	RareHourShare    float64

	Weights        Weights
	Thresholds     Thresholds
	BlockThreshold float64
	AutoSuspend    bool
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Window:             24 * time.Hour,
		History:            30 * 24 * time.Hour,
		VelocityThreshold:  200,
		RelocationInterval: 4 * time.Hour,
		MaxTravelKmh:       900,
		SessionLength:      30 * time.Minute,
		MinHistoryEvents:   20,
		RareHourShare:      0.02,
		Weights: Weights{
			Velocity:    0.30,
			Geographic:  0.30,
			Cloning:     0.40,
			Concurrent:  0.35,
			TimePattern: 0.15,
		},
		Thresholds:     Thresholds{Low: 25, Medium: 50, High: 70, Critical: 85},
		BlockThreshold: 85,
	}
}

// Validate rejects tunings that cannot produce meaningful scores.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("risk window must be positive")
	}
	if c.History < c.Window {
		return fmt.Errorf("risk history (%s) must cover the window (%s)", c.History, c.Window)
	}
	if c.VelocityThreshold <= 0 {
		return fmt.Errorf("velocity threshold must be positive")
	}
	if c.RelocationInterval <= 0 || c.SessionLength <= 0 {
		return fmt.Errorf("relocation interval and session length must be positive")
	}
	t := c.Thresholds
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("risk thresholds must increase: %v", t)
	}
	for name, w := range map[string]float64{
		FactorVelocity: c.Weights.Velocity, FactorGeographic: c.Weights.Geographic,
		FactorCloning: c.Weights.Cloning, FactorConcurrent: c.Weights.Concurrent,
		FactorTimePattern: c.Weights.TimePattern,
	} {
		if w < 0 {
			return fmt.Errorf("weight %s is negative", name)
		}
	}
	return nil
}

func (c Config) velocityThreshold(plan string) int {
	if v, ok := c.PlanVelocity[plan]; ok && v > 0 {
		return v
	}
	return c.VelocityThreshold
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
