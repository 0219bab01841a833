// Package bridge runs a provider stream in its own goroutine and hands its events to a single
// consumer through a bounded queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/errgroup"

	"genesis/internal/models"
	"genesis/internal/provider"
)

// DefaultQueueSize is used when Open receives a non-positive size.
const DefaultQueueSize = 64

// Producer writes events through emit until the stream ends. It must return when emit fails.
type Producer func(ctx context.Context, emit provider.Emitter) error

// Stream is the consumer side of a running producer. It is not safe for concurrent consumers.
type Stream struct {
	events chan models.StreamEvent
	group  *errgroup.Group
	cancel context.CancelFunc

	sawContent bool
	finished   bool
	err        error
	closeOnce  sync.Once
}

// Open starts produce in a new goroutine. Cancelling ctx or calling Close stops the producer.
func Open(ctx context.Context, queueSize int, produce Producer) *Stream {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	producerCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(producerCtx)
	events := make(chan models.StreamEvent, queueSize)

	group.Go(func() error {
		defer close(events)

		emit := func(ev models.StreamEvent) error {
			select {
			case events <- ev:
				return nil
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}

		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() { err = produce(groupCtx, emit) })
		if recovered := catcher.Recovered(); recovered != nil {
			return fmt.Errorf("stream producer panicked: %w", recovered.AsError())
		}
		return err
	})

	return &Stream{
		events: events,
		group:  group,
		cancel: cancel,
	}
}

// Next blocks for the next event. It returns io.EOF after a clean end of stream,
// provider.ErrEmptyResponse when the producer ended without any text or thinking, and the
// producer's error when it failed. An EventError from the producer is returned as an error.
func (s *Stream) Next(ctx context.Context) (models.StreamEvent, error) {
	if s.finished {
		if s.err != nil {
			return models.StreamEvent{}, s.err
		}
		return models.StreamEvent{}, io.EOF
	}

	select {
	case ev, ok := <-s.events:
		if !ok {
			return models.StreamEvent{}, s.finish()
		}
		switch ev.Kind {
		case models.EventText, models.EventThinking:
			s.sawContent = true
		case models.EventError:
			s.finished = true
			s.err = errors.New(ev.Err)
			s.Close()
			return models.StreamEvent{}, s.err
		}
		return ev, nil
	case <-ctx.Done():
		return models.StreamEvent{}, ctx.Err()
	}
}

func (s *Stream) finish() error {
	s.finished = true
	err := s.group.Wait()
	s.cancel()
	switch {
	case err != nil:
		s.err = err
	case !s.sawContent:
		s.err = provider.ErrEmptyResponse
	default:
		return io.EOF
	}
	return s.err
}

// Close cancels the producer and waits for it to exit. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.group.Wait()
	})
}
