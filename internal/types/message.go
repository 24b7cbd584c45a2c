package types

// Message types sent to stream subscribers
const (
	MessageBacklog   = "initial_data"
	MessageTelemetry = "telemetry"
)

// Message is the envelope delivered to every subscriber. Data holds
// []Sample for the backlog message and a single Sample otherwise.
// Alerts is only meaningful for telemetry messages.
type Message struct {
	Type   string       `json:"type"`
	Data   interface{}  `json:"data"`
	Alerts []AlertEvent `json:"alerts"`
}

// NewBacklogMessage wraps the recent history sent on connect
func NewBacklogMessage(samples []Sample) Message {
	return Message{Type: MessageBacklog, Data: samples}
}

// NewTelemetryMessage wraps one live sample with its alert events.
// Alerts is always non-nil so the wire form carries "alerts": [].
func NewTelemetryMessage(sample Sample, alerts []AlertEvent) Message {
	if alerts == nil {
		alerts = []AlertEvent{}
	}
	return Message{Type: MessageTelemetry, Data: sample, Alerts: alerts}
}
