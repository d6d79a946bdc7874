package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/event"
)

// feedSource receives notifications published by an in-process host on an event feed.
// Unsubscribing ends the stream once buffered notifications are drained.
type feedSource struct {
	ch  chan Notification
	sub event.Subscription
}

func newFeedSource(feed *event.FeedOf[Notification], buffer int) *feedSource {
	ch := make(chan Notification, buffer)
	return &feedSource{ch: ch, sub: feed.Subscribe(ch)}
}

func (s *feedSource) Recv(ctx context.Context) (Notification, error) {
	select {
	case n := <-s.ch:
		return n, nil
	default:
	}
	select {
	case n := <-s.ch:
		return n, nil
	case err, ok := <-s.sub.Err():
		if !ok || err == nil {
			return s.drain()
		}
		return nil, fmt.Errorf("notification subscription: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *feedSource) drain() (Notification, error) {
	select {
	case n := <-s.ch:
		return n, nil
	default:
		return nil, io.EOF
	}
}

// Close ends the subscription.
func (s *feedSource) Close() {
	s.sub.Unsubscribe()
}

// sliceSource replays a fixed list of notifications.
type sliceSource struct {
	items []Notification
}

func (s *sliceSource) Recv(ctx context.Context) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.items) == 0 {
		return nil, io.EOF
	}
	n := s.items[0]
	s.items = s.items[1:]
	return n, nil
}
