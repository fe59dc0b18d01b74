package alerting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	xerrors "TaskMarket-Chain/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("unreachable") }

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	var buf bytes.Buffer
	memory := &MemoryNotifier{}
	fanout := NewFanout(
		&LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))},
		memory,
		nil,
	)

	event := Event{
		Code:       xerrors.CodeQueueFailure,
		Message:    "publish failed",
		Severity:   xerrors.SeverityCritical,
		Stage:      "publish",
		Sequence:   4,
		Attempts:   3,
		Metadata:   map[string]string{"kind": "TaskCreated"},
		OccurredAt: time.Unix(1_700_000_000, 0),
	}
	if err := fanout.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := memory.Events(); len(got) != 1 || got[0].Sequence != 4 {
		t.Fatalf("unexpected memory events: %+v", got)
	}
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "kind=TaskCreated") || !strings.Contains(out, "code=QUEUE_FAILURE") {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	memory := &MemoryNotifier{}
	err := NewFanout(failingNotifier{}, memory).Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	if err == nil || !strings.Contains(err.Error(), "channel broken") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(memory.Events()) != 1 {
		t.Fatalf("healthy channels must still receive the alert")
	}
	var nilFanout *FanoutDispatcher
	if err := nilFanout.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher must be a no-op: %v", err)
	}
}
