package detection

import "time"

// WindowConfig is a threshold over a sliding window.
type WindowConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
}

// Config holds the thresholds for the incident detectors.
type Config struct {
	BruteForce          WindowConfig `yaml:"brute_force"`
	BruteForceNotify    int          `yaml:"brute_force_notify_above"`
	PrivilegeEscalation WindowConfig `yaml:"privilege_escalation"`
	DataBreach          WindowConfig `yaml:"data_breach"`

	DataExfiltrationEnabled bool          `yaml:"data_exfiltration_enabled"`
	AccountTakeoverEnabled  bool          `yaml:"account_takeover_enabled"`
	TakeoverRiskThreshold   float64       `yaml:"takeover_risk_threshold"`
	SuspiciousLoginEnabled  bool          `yaml:"suspicious_login_enabled"`
	PatternDedupWindow      time.Duration `yaml:"pattern_dedup_window"`

	Suspicion SuspicionWeights `yaml:"suspicion"`
}

// DefaultConfig returns the stock detector thresholds.
func DefaultConfig() Config {
	return Config{
		BruteForce:              WindowConfig{Enabled: true, Window: 15 * time.Minute, Threshold: 50},
		BruteForceNotify:        100,
		PrivilegeEscalation:     WindowConfig{Enabled: true, Window: 30 * time.Minute, Threshold: 5},
		DataBreach:              WindowConfig{Enabled: true, Window: 60 * time.Minute, Threshold: 100},
		DataExfiltrationEnabled: true,
		AccountTakeoverEnabled:  true,
		TakeoverRiskThreshold:   0.7,
		SuspiciousLoginEnabled:  true,
		PatternDedupWindow:      30 * time.Minute,
		Suspicion:               DefaultSuspicionWeights(),
	}
}

// AlertRulesConfig holds the monitor's burst alert rules.
type AlertRulesConfig struct {
	FailedLogins        WindowConfig `yaml:"failed_logins"`
	PrivilegeEscalation WindowConfig `yaml:"privilege_escalation"`
	SuspiciousActivity  WindowConfig `yaml:"suspicious_activity"`
	DataAccess          WindowConfig `yaml:"data_access"`
}

// DefaultAlertRulesConfig returns the stock burst alert thresholds.
func DefaultAlertRulesConfig() AlertRulesConfig {
	return AlertRulesConfig{
		FailedLogins:        WindowConfig{Enabled: true, Window: 15 * time.Minute, Threshold: 5},
		PrivilegeEscalation: WindowConfig{Enabled: true, Window: time.Hour, Threshold: 3},
		SuspiciousActivity:  WindowConfig{Enabled: true, Window: time.Hour, Threshold: 3},
		DataAccess:          WindowConfig{Enabled: true, Window: time.Hour, Threshold: 50},
	}
}
