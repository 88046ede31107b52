package detection

import "sectrail/internal/schema"

// DefaultDetectors builds the enabled incident detectors from cfg.
func DefaultDetectors(src EventSource, cfg Config) []Detector {
	scorer := NewSuspicionScorer(cfg.Suspicion)

	var ds []Detector
	if cfg.BruteForce.Enabled {
		ds = append(ds, NewBruteForceDetector(src, cfg.BruteForce, cfg.BruteForceNotify))
	}
	if cfg.PrivilegeEscalation.Enabled {
		ds = append(ds, NewPrivilegeEscalationDetector(src, cfg.PrivilegeEscalation))
	}
	if cfg.DataBreach.Enabled {
		ds = append(ds, NewDataBreachDetector(src, cfg.DataBreach))
	}
	if cfg.DataExfiltrationEnabled {
		ds = append(ds, &ExfiltrationDetector{DedupWindow: cfg.PatternDedupWindow})
	}
	if cfg.AccountTakeoverEnabled {
		ds = append(ds, &TakeoverDetector{
			RiskThreshold: cfg.TakeoverRiskThreshold,
			Scorer:        scorer,
			DedupWindow:   cfg.PatternDedupWindow,
		})
	}
	if cfg.SuspiciousLoginEnabled {
		ds = append(ds, &SuspiciousLoginDetector{Scorer: scorer, DedupWindow: cfg.PatternDedupWindow})
	}
	return ds
}

// Alert rule names, used as alert types by the monitor.
const (
	RuleFailedLoginBurst         = "FAILED_LOGIN_BURST"
	RulePrivilegeEscalationBurst = "PRIVILEGE_ESCALATION_BURST"
	RuleSuspiciousActivityBurst  = "SUSPICIOUS_ACTIVITY_BURST"
	RuleExcessiveDataAccess      = "EXCESSIVE_DATA_ACCESS"
)

// DefaultAlertRules builds the monitor's burst alert rules from cfg.
func DefaultAlertRules(src EventSource, cfg AlertRulesConfig) []Detector {
	rule := func(id string, et schema.EventType, by GroupBy, sev schema.Severity, wc WindowConfig) *WindowDetector {
		return &WindowDetector{
			ID:        id,
			EventType: et,
			GroupBy:   by,
			Window:    wc.Window,
			Threshold: wc.Threshold,
			Severity:  sev,
			Notify:    true,
			Source:    src,
		}
	}

	var ds []Detector
	if cfg.FailedLogins.Enabled {
		ds = append(ds, rule(RuleFailedLoginBurst, schema.EventLoginFailure, ByUser, schema.SeverityMedium, cfg.FailedLogins))
	}
	if cfg.PrivilegeEscalation.Enabled {
		ds = append(ds, rule(RulePrivilegeEscalationBurst, schema.EventPrivilegeEscalation, ByUser, schema.SeverityHigh, cfg.PrivilegeEscalation))
	}
	if cfg.SuspiciousActivity.Enabled {
		ds = append(ds, rule(RuleSuspiciousActivityBurst, schema.EventSuspiciousActivity, ByIP, schema.SeverityHigh, cfg.SuspiciousActivity))
	}
	if cfg.DataAccess.Enabled {
		ds = append(ds, rule(RuleExcessiveDataAccess, schema.EventDataAccess, ByUser, schema.SeverityMedium, cfg.DataAccess))
	}
	return ds
}
