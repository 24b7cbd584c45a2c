package pipeline

import (
	"context"
	"sync"

	"github.com/optimus/telemetry/internal/alerter"
	"github.com/optimus/telemetry/internal/history"
	"github.com/optimus/telemetry/internal/hub"
	"github.com/optimus/telemetry/internal/metrics"
	"github.com/optimus/telemetry/internal/types"
	"github.com/rs/zerolog"
)

// DefaultBacklogSize is how many recent samples a new subscriber receives
const DefaultBacklogSize = 100

// AlertSink receives alert events after they have been broadcast
type AlertSink interface {
	Notify(events []types.AlertEvent)
}

// Source produces samples for the pipeline
type Source interface {
	Samples() <-chan types.Sample
}

// Pipeline owns the history buffer, the rule engine and the fan-out hub.
// Samples are processed one at a time; rule updates and new subscriptions
// are serialized with sample processing.
type Pipeline struct {
	logger      zerolog.Logger
	buffer      *history.Buffer
	engine      *alerter.Engine
	hub         *hub.Hub
	recorder    metrics.Recorder
	sink        AlertSink
	backlogSize int
	clock       alerter.Clock
	mu          sync.Mutex
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithRecorder reports operational counters
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithAlertSink forwards alert events, e.g. to a notifier
func WithAlertSink(s AlertSink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithBacklogSize sets how many samples a new subscriber is sent
func WithBacklogSize(n int) Option {
	return func(p *Pipeline) { p.backlogSize = n }
}

// WithClock sets the clock used for history windows
func WithClock(c alerter.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// New wires a pipeline around its three components
func New(buffer *history.Buffer, engine *alerter.Engine, h *hub.Hub, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:      logger.With().Str("component", "pipeline").Logger(),
		buffer:      buffer,
		engine:      engine,
		hub:         h,
		recorder:    metrics.Nop{},
		backlogSize: DefaultBacklogSize,
		clock:       alerter.WallClock,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest runs one sample through the pipeline: append to history,
// evaluate rules, broadcast to subscribers, record counters. It returns
// the alert events the sample produced.
func (p *Pipeline) Ingest(s types.Sample) []types.AlertEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffer.Append(s)
	alerts := p.engine.Evaluate(s)

	if p.hub.Count() > 0 {
		p.hub.Broadcast(types.NewTelemetryMessage(s, alerts))
	}

	p.recorder.SampleProcessed()
	for _, alert := range alerts {
		if !alert.IsCleared() {
			p.recorder.AlertTriggered(alert.Name, alert.Severity)
		}
	}
	p.recorder.SetBufferSize(p.buffer.Len())
	p.recorder.SetSubscribers(p.hub.Count())

	if p.sink != nil && len(alerts) > 0 {
		p.sink.Notify(alerts)
	}
	return alerts
}

// Run feeds samples from src into the pipeline until ctx is cancelled or
// the source channel closes
func (p *Pipeline) Run(ctx context.Context, src Source) {
	samples := src.Samples()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				p.logger.Info().Msg("Sample source closed")
				return
			}
			p.Ingest(s)
		}
	}
}

// Subscribe registers a subscriber. The backlog of recent samples is
// taken under the same lock as Ingest, so the subscriber sees every
// subsequent sample exactly once and after its backlog.
func (p *Pipeline) Subscribe() *hub.Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()

	var backlog *types.Message
	if p.backlogSize > 0 && p.buffer.Len() > 0 {
		msg := types.NewBacklogMessage(p.buffer.Snapshot(p.backlogSize))
		backlog = &msg
	}
	sub := p.hub.Subscribe(backlog)
	p.recorder.SetSubscribers(p.hub.Count())
	return sub
}

// Unsubscribe removes a subscriber. Idempotent.
func (p *Pipeline) Unsubscribe(sub *hub.Subscriber) {
	p.hub.Unsubscribe(sub)
	p.recorder.SetSubscribers(p.hub.Count())
}

// UpdateRules replaces the rule set between two samples
func (p *Pipeline) UpdateRules(rules []types.Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine.UpdateRules(rules)
}

// GetRules returns the current rule set
func (p *Pipeline) GetRules() []types.Rule {
	return p.engine.GetRules()
}

// ActiveAlerts returns the active alert snapshot
func (p *Pipeline) ActiveAlerts() []types.AlertEvent {
	return p.engine.GetActiveAlerts()
}

// FlappingRules returns rules currently reported as flapping
func (p *Pipeline) FlappingRules() []string {
	return p.engine.FlappingRules()
}

// History returns samples from the last seconds seconds
func (p *Pipeline) History(seconds int) []types.Sample {
	if seconds < 0 {
		seconds = 0
	}
	return p.buffer.QuerySince(p.clock() - float64(seconds))
}

// Stats summarizes pipeline state for status endpoints
type Stats struct {
	BufferSize     int `json:"buffer_size"`
	BufferCapacity int `json:"buffer_capacity"`
	Subscribers    int `json:"subscribers"`
	ActiveAlerts   int `json:"active_alerts"`
	Rules          int `json:"rules"`
}

// Stats returns current sizes
func (p *Pipeline) Stats() Stats {
	return Stats{
		BufferSize:     p.buffer.Len(),
		BufferCapacity: p.buffer.Cap(),
		Subscribers:    p.hub.Count(),
		ActiveAlerts:   len(p.engine.GetActiveAlerts()),
		Rules:          len(p.engine.GetRules()),
	}
}

// Close disconnects all subscribers
func (p *Pipeline) Close() {
	p.hub.Close()
	p.recorder.SetSubscribers(0)
}
