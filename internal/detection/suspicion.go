package detection

import "sectrail/internal/schema"

// SuspicionWeights are the per-signal contributions to a suspicion score.
// They are policy values and may be tuned per deployment.
type SuspicionWeights struct {
	NewDevice       int `yaml:"new_device"`
	NewIP           int `yaml:"new_ip"`
	Velocity        int `yaml:"velocity"`
	UserAgentChange int `yaml:"user_agent_change"`
	LocationChange  int `yaml:"location_change"`

	// Threshold is the score at which an event counts as suspicious.
	Threshold int `yaml:"threshold"`
	// CriticalThreshold is the score at which a finding becomes critical.
	CriticalThreshold int `yaml:"critical_threshold"`
}

// DefaultSuspicionWeights returns the stock weights.
func DefaultSuspicionWeights() SuspicionWeights {
	return SuspicionWeights{
		NewDevice:         30,
		NewIP:             20,
		Velocity:          40,
		UserAgentChange:   25,
		LocationChange:    35,
		Threshold:         50,
		CriticalThreshold: 90,
	}
}

// Signals are the observations a suspicion score is built from.
type Signals struct {
	NewDevice       bool
	NewIP           bool
	Velocity        bool
	UserAgentChange bool
	LocationChange  bool
}

// SignalsFromDetails reads signals from an event's flags.
func SignalsFromDetails(d schema.EventDetails) Signals {
	return Signals{
		NewDevice:       d.HasFlag(schema.FlagNewDevice),
		NewIP:           d.HasFlag(schema.FlagNewIP),
		Velocity:        d.HasFlag(schema.FlagVelocity) || d.HasFlag(schema.FlagRapidLocationChange),
		UserAgentChange: d.HasFlag(schema.FlagUserAgentChange),
		LocationChange:  d.HasFlag(schema.FlagNewLocation),
	}
}

// SuspicionScorer sums weighted signals. A new device alone stays below the
// default threshold; any second signal crosses it.
type SuspicionScorer struct {
	Weights SuspicionWeights
}

// NewSuspicionScorer creates a scorer with w.
func NewSuspicionScorer(w SuspicionWeights) *SuspicionScorer {
	return &SuspicionScorer{Weights: w}
}

// Score returns the capped 0-100 score for s.
func (sc *SuspicionScorer) Score(s Signals) int {
	score := 0
	if s.NewDevice {
		score += sc.Weights.NewDevice
	}
	if s.NewIP {
		score += sc.Weights.NewIP
	}
	if s.Velocity {
		score += sc.Weights.Velocity
	}
	if s.UserAgentChange {
		score += sc.Weights.UserAgentChange
	}
	if s.LocationChange {
		score += sc.Weights.LocationChange
	}
	return min(score, 100)
}

// Suspicious reports whether score meets the suspicious threshold.
func (sc *SuspicionScorer) Suspicious(score int) bool {
	return score >= sc.Weights.Threshold
}

// Critical reports whether score meets the critical threshold.
func (sc *SuspicionScorer) Critical(score int) bool {
	return sc.Weights.CriticalThreshold > 0 && score >= sc.Weights.CriticalThreshold
}
