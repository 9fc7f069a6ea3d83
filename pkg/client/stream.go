package client

import (
	"context"

	"github.com/poe-platform/gopoe/pkg/poe"
)

// Stream is a pull iterator over a bot's response. Responses are produced by
// a background goroutine; Next blocks until the next one is available.
//
//	stream := client.StreamRequest(ctx, "GPT-4o", req)
//	defer stream.Close()
//	for stream.Next() {
//		switch msg := stream.Current().(type) { ... }
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream struct {
	cancel context.CancelFunc
	ch     chan poe.Response
	err    error
	cur    poe.Response
}

// newStream starts run in a goroutine feeding the iterator. A context that
// is already done refuses to start: Next returns false immediately and Err
// reports the context error.
func newStream(ctx context.Context, run func(ctx context.Context, emit func(poe.Response) bool) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{cancel: cancel, ch: make(chan poe.Response, 16)}

	emit := func(r poe.Response) bool {
		select {
		case s.ch <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(s.ch)
		if err := ctx.Err(); err != nil {
			s.err = err
			return
		}
		s.err = run(ctx, emit)
	}()
	return s
}

// Next advances to the next response. It returns false when the stream is
// exhausted or failed; check Err afterwards.
func (s *Stream) Next() bool {
	r, ok := <-s.ch
	if !ok {
		return false
	}
	s.cur = r
	return true
}

// Current returns the response Next advanced to.
func (s *Stream) Current() poe.Response { return s.cur }

// Err returns the terminal error, if any. Only valid after Next returns
// false.
func (s *Stream) Err() error { return s.err }

// Close cancels the producer and drains the stream. Safe to call more than
// once and concurrently with Next.
func (s *Stream) Close() {
	s.cancel()
	for range s.ch {
	}
}
