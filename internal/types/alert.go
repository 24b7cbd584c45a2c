package types

// ActionCleared marks an AlertEvent that reports a condition going away
const ActionCleared = "cleared"

// AlertEvent is emitted by rule evaluation. A triggered event carries
// severity, message, value and threshold; a cleared event only carries
// the rule name, the action and the timestamp.
type AlertEvent struct {
	Name      string   `json:"name"`
	Action    string   `json:"action,omitempty"`
	Severity  string   `json:"severity,omitempty"`
	Message   string   `json:"message,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Timestamp float64  `json:"timestamp"`
}

// NewTriggered builds a triggered alert event
func NewTriggered(name, severity, message string, value, threshold, ts float64) AlertEvent {
	return AlertEvent{
		Name:      name,
		Severity:  severity,
		Message:   message,
		Value:     &value,
		Threshold: &threshold,
		Timestamp: ts,
	}
}

// NewCleared builds a cleared alert event
func NewCleared(name string, ts float64) AlertEvent {
	return AlertEvent{
		Name:      name,
		Action:    ActionCleared,
		Timestamp: ts,
	}
}

// IsCleared reports whether the event is a clearing event
func (e AlertEvent) IsCleared() bool {
	return e.Action == ActionCleared
}
