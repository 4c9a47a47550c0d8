package bidi

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgmigrator/internal/migration/stream"
	"github.com/jfoltran/pgmigrator/pkg/lsn"
)

type fakeMessage struct {
	origin string
	pos    lsn.LSN
}

func (m fakeMessage) Kind() stream.MessageKind { return stream.KindChange }
func (m fakeMessage) LSN() lsn.LSN             { return m.pos }
func (m fakeMessage) OriginID() string         { return m.origin }
func (m fakeMessage) Timestamp() time.Time     { return time.Time{} }

func drain(t *testing.T, out <-chan stream.Message, timeout time.Duration) []stream.Message {
	t.Helper()
	var got []stream.Message
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, msg)
		case <-deadline:
			t.Fatal("timed out draining filter output")
		}
	}
}

func TestFilterDropsMatchingOrigin(t *testing.T) {
	f := NewFilter("origin-a", zerolog.Nop())
	in := make(chan stream.Message, 4)
	in <- fakeMessage{origin: "origin-a", pos: 1}
	in <- fakeMessage{origin: "origin-b", pos: 2}
	in <- fakeMessage{origin: "", pos: 3}
	close(in)

	out := f.Run(context.Background(), in)
	got := drain(t, out, 2*time.Second)

	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2 (origin-a dropped): %v", len(got), got)
	}
	if got[0].OriginID() != "origin-b" || got[1].OriginID() != "" {
		t.Fatalf("unexpected survivors: %+v", got)
	}
	if f.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", f.Dropped())
	}
}

func TestFilterEmptyOriginNeverDrops(t *testing.T) {
	// an empty filter origin means "no loop source configured" — nothing
	// should be dropped regardless of message origin.
	f := NewFilter("", zerolog.Nop())
	in := make(chan stream.Message, 2)
	in <- fakeMessage{origin: "", pos: 1}
	in <- fakeMessage{origin: "origin-a", pos: 2}
	close(in)

	out := f.Run(context.Background(), in)
	got := drain(t, out, 2*time.Second)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
}

func TestFilterStopsOnContextCancel(t *testing.T) {
	f := NewFilter("origin-a", zerolog.Nop())
	in := make(chan stream.Message)
	ctx, cancel := context.WithCancel(context.Background())

	out := f.Run(ctx, in)
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected output channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for filter to close output after cancel")
	}
}
