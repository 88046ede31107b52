package dashboard

import (
	"sort"

	"sectrail/internal/schema"
)

var severityWeights = map[schema.Severity]int{
	schema.SeverityLow:      5,
	schema.SeverityMedium:   15,
	schema.SeverityHigh:     30,
	schema.SeverityCritical: 50,
}

// typeBonus is added to the severity weight for event types that indicate
// active attack.
var typeBonus = map[schema.EventType]int{
	schema.EventPrivilegeEscalation: 40,
	schema.EventSecurityIncident:    30,
	schema.EventSuspiciousActivity:  25,
	schema.EventAccountLocked:       20,
	schema.EventDataExport:          20,
	schema.EventLoginFailure:        10,
}

// SeverityWeight returns the threat weight of a severity.
func SeverityWeight(s schema.Severity) int { return severityWeights[s] }

// EventThreatScore scores a single event.
func EventThreatScore(t schema.EventType, s schema.Severity) int {
	return severityWeights[s] + typeBonus[t]
}

// ThreatLevel maps a total score over n events to a level, using the mean
// per-event score.
func ThreatLevel(score, n int) string {
	if n == 0 {
		return "low"
	}
	switch mean := score / n; {
	case mean >= 60:
		return "critical"
	case mean >= 40:
		return "high"
	case mean >= 20:
		return "medium"
	}
	return "low"
}

// threatBreakdown returns the total score and the per-type contributions,
// highest first.
func threatBreakdown(events []*schema.SecurityEvent) (int, []ThreatStat) {
	byType := make(map[schema.EventType]*ThreatStat)
	total := 0
	for _, ev := range events {
		score := EventThreatScore(ev.EventType, ev.Severity)
		total += score
		st, ok := byType[ev.EventType]
		if !ok {
			st = &ThreatStat{EventType: ev.EventType}
			byType[ev.EventType] = st
		}
		st.Count++
		st.Score += score
	}

	out := make([]ThreatStat, 0, len(byType))
	for _, st := range byType {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EventType < out[j].EventType
	})
	return total, out
}
