package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/optimus/telemetry/internal/alerter"
	"github.com/optimus/telemetry/internal/history"
	"github.com/optimus/telemetry/internal/hub"
	"github.com/optimus/telemetry/internal/types"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ts float64) {
	c.mu.Lock()
	c.now = ts
	c.mu.Unlock()
}

type countingRecorder struct {
	mu          sync.Mutex
	samples     int
	alerts      map[string]int
	subscribers int
	bufferSize  int
}

func (r *countingRecorder) SampleProcessed() {
	r.mu.Lock()
	r.samples++
	r.mu.Unlock()
}

func (r *countingRecorder) AlertTriggered(name, severity string) {
	r.mu.Lock()
	r.alerts[name+"/"+severity]++
	r.mu.Unlock()
}

func (r *countingRecorder) SetSubscribers(n int) {
	r.mu.Lock()
	r.subscribers = n
	r.mu.Unlock()
}

func (r *countingRecorder) SetBufferSize(n int) {
	r.mu.Lock()
	r.bufferSize = n
	r.mu.Unlock()
}

func (r *countingRecorder) MessageDropped() {}

type sinkRecorder struct {
	mu     sync.Mutex
	events []types.AlertEvent
}

func (s *sinkRecorder) Notify(events []types.AlertEvent) {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
}

type chanSource chan types.Sample

func (c chanSource) Samples() <-chan types.Sample { return c }

type fixture struct {
	pipeline *Pipeline
	clock    *fakeClock
	recorder *countingRecorder
	sink     *sinkRecorder
}

func newFixture(t *testing.T, capacity int, rules ...types.Rule) *fixture {
	t.Helper()
	clock := &fakeClock{now: 1000}
	engine := alerter.NewEngine(zerolog.Nop(), alerter.WithClock(clock.Now))
	if err := engine.UpdateRules(rules); err != nil {
		t.Fatalf("UpdateRules: %v", err)
	}
	rec := &countingRecorder{alerts: make(map[string]int)}
	sink := &sinkRecorder{}
	p := New(history.New(capacity), engine, hub.New(zerolog.Nop()), zerolog.Nop(),
		WithRecorder(rec),
		WithAlertSink(sink),
		WithClock(clock.Now),
	)
	return &fixture{pipeline: p, clock: clock, recorder: rec, sink: sink}
}

func (f *fixture) feed(ts, battery float64) []types.AlertEvent {
	f.clock.Set(ts)
	return f.pipeline.Ingest(types.Sample{RobotID: "optimus_sim_01", Timestamp: ts, BatteryPct: battery, TempC: 40})
}

func next(t *testing.T, sub *hub.Subscriber) types.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatalf("subscriber closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no message delivered")
	}
	return types.Message{}
}

func TestIngestLowBatteryScenario(t *testing.T) {
	f := newFixture(t, 100, types.NewRule("low_battery", "batteryPct", 20).SetCooldown(30))
	sub := f.pipeline.Subscribe()

	var counts []int
	for i, pct := range []float64{25, 18, 18, 18} {
		counts = append(counts, len(f.feed(1000+float64(i), pct)))
	}
	if counts[1] != 1 || counts[0]+counts[2]+counts[3] != 0 {
		t.Fatalf("expected single trigger on sample 2, got %v", counts)
	}

	for i := 0; i < 4; i++ {
		msg := next(t, sub)
		if msg.Type != types.MessageTelemetry {
			t.Fatalf("unexpected message type %q", msg.Type)
		}
		if s := msg.Data.(types.Sample); s.Timestamp != 1000+float64(i) {
			t.Fatalf("out of order sample %v", s.Timestamp)
		}
		if i == 1 && (len(msg.Alerts) != 1 || msg.Alerts[0].Name != "low_battery") {
			t.Fatalf("expected alert on second message, got %+v", msg.Alerts)
		}
	}

	if active := f.pipeline.ActiveAlerts(); len(active) != 1 {
		t.Fatalf("expected active alert, got %+v", active)
	}
	if f.recorder.samples != 4 || f.recorder.alerts["low_battery/warning"] != 1 || f.recorder.bufferSize != 4 {
		t.Fatalf("unexpected counters %+v", f.recorder)
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("expected one event forwarded to the sink, got %d", len(f.sink.events))
	}
}

func TestSubscribeReceivesBacklogFirst(t *testing.T) {
	f := newFixture(t, 500)
	for i := 0; i < 150; i++ {
		f.feed(float64(i), 80)
	}

	sub := f.pipeline.Subscribe()
	f.feed(150, 80)

	backlog := next(t, sub)
	samples, ok := backlog.Data.([]types.Sample)
	if backlog.Type != types.MessageBacklog || !ok || len(samples) != DefaultBacklogSize {
		t.Fatalf("unexpected backlog %+v", backlog.Type)
	}
	if samples[0].Timestamp != 50 || samples[99].Timestamp != 149 {
		t.Fatalf("backlog should hold the last 100 samples, got %v..%v", samples[0].Timestamp, samples[99].Timestamp)
	}

	live := next(t, sub)
	if live.Type != types.MessageTelemetry || live.Data.(types.Sample).Timestamp != 150 {
		t.Fatalf("expected live sample 150 after backlog, got %+v", live)
	}
	if f.recorder.subscribers != 1 {
		t.Fatalf("expected subscriber gauge 1, got %d", f.recorder.subscribers)
	}
}

func TestSubscribeWithEmptyHistorySkipsBacklog(t *testing.T) {
	f := newFixture(t, 10)
	sub := f.pipeline.Subscribe()
	f.feed(1, 80)
	if msg := next(t, sub); msg.Type != types.MessageTelemetry {
		t.Fatalf("expected no backlog on empty history, got %q", msg.Type)
	}
}

func TestIngestWithoutSubscribersOrRules(t *testing.T) {
	f := newFixture(t, 3)
	for i := 0; i < 10; i++ {
		if got := f.feed(float64(i), 5); len(got) != 0 {
			t.Fatalf("no rules, expected no alerts, got %+v", got)
		}
	}
	if f.pipeline.Stats().BufferSize != 3 {
		t.Fatalf("expected buffer capped at 3, got %+v", f.pipeline.Stats())
	}
}

func TestUpdateRulesRejectsDuplicatesAndKeepsPrior(t *testing.T) {
	prior := types.NewRule("low_battery", "battery_pct", 20)
	f := newFixture(t, 10, prior)

	err := f.pipeline.UpdateRules([]types.Rule{
		types.NewRule("x", "temp_c", 1),
		types.NewRule("x", "temp_c", 2),
	})
	if !errors.Is(err, alerter.ErrInvalidRuleSet) {
		t.Fatalf("expected ErrInvalidRuleSet, got %v", err)
	}
	if rules := f.pipeline.GetRules(); len(rules) != 1 || rules[0].Name != "low_battery" {
		t.Fatalf("prior rules lost: %+v", rules)
	}
}

func TestHistoryWindow(t *testing.T) {
	f := newFixture(t, 100)
	for i := 0; i < 10; i++ {
		f.feed(1000+float64(i), 80)
	}
	f.clock.Set(1009)

	if got := f.pipeline.History(3); len(got) != 4 {
		t.Fatalf("expected samples 1006..1009, got %d", len(got))
	}
	if got := f.pipeline.History(0); len(got) != 1 {
		t.Fatalf("expected only the sample at now, got %d", len(got))
	}
	if got := f.pipeline.History(300); len(got) != 10 {
		t.Fatalf("expected all samples, got %d", len(got))
	}
}

func TestUnsubscribedSubscriberDoesNotAffectOthers(t *testing.T) {
	f := newFixture(t, 10)
	a := f.pipeline.Subscribe()
	b := f.pipeline.Subscribe()

	f.feed(1, 80)
	b.Close()
	f.feed(2, 80)
	f.pipeline.Unsubscribe(b)

	if next(t, a).Data.(types.Sample).Timestamp != 1 || next(t, a).Data.(types.Sample).Timestamp != 2 {
		t.Fatalf("healthy subscriber lost messages")
	}
	if f.pipeline.Stats().Subscribers != 1 || f.recorder.subscribers != 1 {
		t.Fatalf("expected one subscriber left")
	}
}

func TestRunConsumesSourceUntilClosed(t *testing.T) {
	f := newFixture(t, 10)
	src := make(chanSource, 3)
	src <- types.Sample{Timestamp: 1}
	src <- types.Sample{Timestamp: 2}
	close(src)

	done := make(chan struct{})
	go func() {
		f.pipeline.Run(context.Background(), src)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after source closed")
	}
	if f.pipeline.Stats().BufferSize != 2 {
		t.Fatalf("expected 2 samples ingested")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pipeline.Run(ctx, make(chanSource))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}

func TestConcurrentIngestSubscribeAndUpdate(t *testing.T) {
	f := newFixture(t, 50, types.NewRule("low_battery", "battery_pct", 20).SetCooldown(0))
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			sub := f.pipeline.Subscribe()
			f.pipeline.Unsubscribe(sub)
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = f.pipeline.UpdateRules([]types.Rule{types.NewRule("low_battery", "battery_pct", 20).SetCooldown(0)})
			f.pipeline.ActiveAlerts()
			f.pipeline.History(10)
		}
	}()

	for i := 0; i < 500; i++ {
		f.feed(float64(i), float64(i%40))
	}
	close(stop)
	wg.Wait()
}
