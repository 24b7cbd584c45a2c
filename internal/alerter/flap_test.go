package alerter

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestFlapDetectorLifecycle(t *testing.T) {
	f := NewFlapDetector(zerolog.Nop(), 3, 10)

	if flapping, _ := f.RecordChange("r", 0); flapping {
		t.Fatalf("one change is not flapping")
	}
	f.RecordChange("r", 1)
	flapping, started := f.RecordChange("r", 2)
	if !flapping || !started {
		t.Fatalf("expected flapping to start, got %v %v", flapping, started)
	}
	if flapping, started = f.RecordChange("r", 3); !flapping || started {
		t.Fatalf("expected continued flapping, got %v %v", flapping, started)
	}

	if !f.IsFlapping("r", 5) {
		t.Fatalf("expected flapping inside window")
	}
	if f.IsFlapping("r", 20) {
		t.Fatalf("expected stable after a quiet window")
	}
}

func TestFlapDetectorWindowPrunes(t *testing.T) {
	f := NewFlapDetector(zerolog.Nop(), 3, 10)
	f.RecordChange("r", 0)
	f.RecordChange("r", 5)
	if flapping, _ := f.RecordChange("r", 20); flapping {
		t.Fatalf("changes outside the window must not count")
	}
}
