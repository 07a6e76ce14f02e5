// Package monitor streams the store's live command feed.
//
// A subscription runs on its own duplicate connection so the blocking
// MONITOR reply never shares a socket with ordinary request traffic.
// Closing the stream closes that duplicate.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/txn2/kvadmin/pkg/kvstore"
)

const eventBuffer = 64

// Stream is one live monitor subscription.
type Stream struct {
	dup    kvstore.Conn
	feed   kvstore.MonitorFeed
	events chan Event

	once     sync.Once
	done     chan struct{}
	closeErr error
}

// Subscribe duplicates conn and starts monitoring on the duplicate. The
// stream closes when ctx is cancelled or Close is called.
func Subscribe(ctx context.Context, conn kvstore.Conn) (*Stream, error) {
	dup, err := conn.Duplicate(ctx)
	if err != nil {
		return nil, fmt.Errorf("duplicating connection: %w", err)
	}

	feed, err := dup.Monitor(ctx)
	if err != nil {
		_ = dup.Close()
		return nil, fmt.Errorf("starting monitor: %w", err)
	}

	s := &Stream{
		dup:    dup,
		feed:   feed,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.pump(ctx)
	return s, nil
}

// Events returns the parsed command feed. The channel closes when the
// stream ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Done is closed once the stream has been closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close stops monitoring and closes the duplicate connection. It is safe
// to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.closeErr = errors.Join(s.feed.Close(), s.dup.Close())
		if s.closeErr != nil {
			slog.Debug("monitor: close", "error", s.closeErr)
		}
	})
	return s.closeErr
}

func (s *Stream) pump(ctx context.Context) {
	defer close(s.events)

	lines := s.feed.Lines()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case line, ok := <-lines:
			if !ok {
				_ = s.Close()
				return
			}
			ev, ok := ParseLine(line)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			case <-ctx.Done():
				_ = s.Close()
				return
			}
		}
	}
}
