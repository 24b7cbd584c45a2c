package source

import (
	"context"
	"testing"
	"time"

	"github.com/optimus/telemetry/internal/types"
	"github.com/rs/zerolog"
)

func TestGenerateStartsHealthy(t *testing.T) {
	sim := NewSimulator("robot_a", 10*time.Millisecond, zerolog.Nop())

	s := sim.Generate(0)
	if s.RobotID != "robot_a" {
		t.Fatalf("expected robot id robot_a, got %q", s.RobotID)
	}
	if s.BatteryPct < 83 || s.BatteryPct > 87 {
		t.Fatalf("battery out of range: %v", s.BatteryPct)
	}
	if s.TempC < 39 || s.TempC > 41 {
		t.Fatalf("temperature out of range: %v", s.TempC)
	}
	if len(s.Joints) != 4 {
		t.Fatalf("expected 4 joints, got %d", len(s.Joints))
	}
	if len(s.Pose) != 6 {
		t.Fatalf("expected 6 pose axes, got %d", len(s.Pose))
	}
	if s.Status != types.StatusOK {
		t.Fatalf("expected OK status, got %s", s.Status)
	}
}

func TestGenerateBatteryDrainsToFloor(t *testing.T) {
	sim := NewSimulator("robot_a", 10*time.Millisecond, zerolog.Nop())

	s := sim.Generate(100000)
	if s.BatteryPct != 10 {
		t.Fatalf("expected battery floor of 10, got %v", s.BatteryPct)
	}
	if s.Status != types.StatusLowBattery {
		t.Fatalf("expected LOW_BATTERY, got %s", s.Status)
	}
}

func TestGenerateUsesClock(t *testing.T) {
	sim := NewSimulator("robot_a", 10*time.Millisecond, zerolog.Nop())
	sim.now = func() time.Time { return time.Unix(1700000000, 500000000) }

	if ts := sim.Generate(0).Timestamp; ts != 1700000000.5 {
		t.Fatalf("expected timestamp 1700000000.5, got %v", ts)
	}
}

func TestRunEmitsUntilCancelled(t *testing.T) {
	sim := NewSimulator("robot_a", time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-sim.Samples():
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for sample %d", i)
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("simulator did not stop")
	}

	// drain; the channel must be closed after Run returns
	for range sim.Samples() {
	}
}
