package logbuf

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestBufferCapturesZerologLines(t *testing.T) {
	buf := New(10)
	logger := zerolog.New(buf).With().Str("component", "hub").Logger()

	logger.Info().Msg("Subscriber connected")
	logger.Warn().Msg("Queue full")

	entries := buf.Recent(0, zerolog.DebugLevel)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "Subscriber connected" || entries[0].Level != "info" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Component != "hub" || entries[1].Level != "warn" {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestBufferWrapsAndFilters(t *testing.T) {
	buf := New(3)
	logger := zerolog.New(buf)

	logger.Info().Msg("one")
	logger.Error().Msg("two")
	logger.Info().Msg("three")
	logger.Warn().Msg("four")

	if buf.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", buf.Len())
	}

	all := buf.Recent(0, zerolog.DebugLevel)
	if all[0].Message != "two" || all[2].Message != "four" {
		t.Fatalf("unexpected order: %+v", all)
	}

	warn := buf.Recent(0, zerolog.WarnLevel)
	if len(warn) != 2 || warn[0].Message != "two" || warn[1].Message != "four" {
		t.Fatalf("unexpected filtered entries: %+v", warn)
	}

	last := buf.Recent(1, zerolog.DebugLevel)
	if len(last) != 1 || last[0].Message != "four" {
		t.Fatalf("unexpected limited entries: %+v", last)
	}
}

func TestBufferKeepsNonJSONLines(t *testing.T) {
	buf := New(2)
	if _, err := buf.Write([]byte("plain text")); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries := buf.Recent(0, zerolog.DebugLevel)
	if len(entries) != 1 || entries[0].Message != "plain text" || entries[0].Level != "info" {
		t.Fatalf("unexpected entry: %+v", entries)
	}
}
