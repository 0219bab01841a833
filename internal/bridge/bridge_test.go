package bridge

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"genesis/internal/models"
	"genesis/internal/provider"
)

func drain(t *testing.T, s *Stream) ([]models.StreamEvent, error) {
	t.Helper()
	var events []models.StreamEvent
	for {
		ev, err := s.Next(context.Background())
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestStreamPreservesOrder(t *testing.T) {
	s := Open(context.Background(), 2, func(ctx context.Context, emit provider.Emitter) error {
		for _, token := range []string{"a", "b", "c", "d", "e"} {
			if err := emit(models.TextEvent(token)); err != nil {
				return err
			}
		}
		return emit(models.MetaEvent(models.UsageStats{CompletionTokens: 5, Reported: true}))
	})
	defer s.Close()

	events, err := drain(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	got := ""
	for _, ev := range events[:5] {
		got += ev.Token
	}
	if got != "abcde" {
		t.Fatalf("unexpected order %q", got)
	}
	if events[5].Kind != models.EventMeta {
		t.Fatalf("expected meta last, got %s", events[5].Kind)
	}

	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after end, got %v", err)
	}
}

func TestStreamWithoutContentIsEmptyResponse(t *testing.T) {
	s := Open(context.Background(), 1, func(ctx context.Context, emit provider.Emitter) error {
		return nil
	})
	defer s.Close()

	if _, err := s.Next(context.Background()); !errors.Is(err, provider.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestStreamPropagatesProducerError(t *testing.T) {
	boom := errors.New("upstream failed")
	s := Open(context.Background(), 4, func(ctx context.Context, emit provider.Emitter) error {
		if err := emit(models.TextEvent("partial")); err != nil {
			return err
		}
		return boom
	})
	defer s.Close()

	events, err := drain(t, s)
	if !errors.Is(err, boom) {
		t.Fatalf("expected producer error, got %v", err)
	}
	if len(events) != 1 || events[0].Token != "partial" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	s := Open(context.Background(), 4, func(ctx context.Context, emit provider.Emitter) error {
		return emit(models.StreamEvent{Kind: models.EventError, Err: "vendor said no"})
	})
	defer s.Close()

	if _, err := s.Next(context.Background()); err == nil || err.Error() != "vendor said no" {
		t.Fatalf("expected error event, got %v", err)
	}
}

func TestStreamRecoversProducerPanic(t *testing.T) {
	s := Open(context.Background(), 1, func(ctx context.Context, emit provider.Emitter) error {
		panic("bad adapter")
	})
	defer s.Close()

	if _, err := s.Next(context.Background()); err == nil {
		t.Fatal("expected error from panicking producer")
	}
}

func TestCloseStopsBlockedProducer(t *testing.T) {
	var exited atomic.Bool
	s := Open(context.Background(), 1, func(ctx context.Context, emit provider.Emitter) error {
		defer exited.Store(true)
		for {
			if err := emit(models.TextEvent("x")); err != nil {
				return err
			}
		}
	})

	if _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("first event: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if !exited.Load() {
		t.Fatal("producer still running after Close")
	}
}

func TestParentCancellationStopsProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	s := Open(ctx, 1, func(ctx context.Context, emit provider.Emitter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	defer s.Close()

	<-started
	cancel()

	if _, err := s.Next(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
