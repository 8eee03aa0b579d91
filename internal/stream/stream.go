// Package stream carries generated fragments from a background worker to a
// consumer over a bounded, ordered queue. Every stream ends with exactly one
// terminal fragment, delivered last.
package stream

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"EdgeLLM/internal/generation"
)

// DoneMarker is the text carried by the terminal fragment.
const DoneMarker = "[DONE]"

// DefaultBuffer is used when a non-positive buffer size is requested.
const DefaultBuffer = 64

// Fragment is one record of a stream. Exactly one fragment per stream has
// Final set; it carries the metrics and, on failure, the error.
type Fragment struct {
	Seq     int
	Text    string
	Final   bool
	Metrics *generation.Metrics
	Err     error
}

// Stream is a single-producer, single-consumer fragment queue.
//
// The queue holds at most buffer text fragments plus one reserved slot for
// the terminal record, so finishing never blocks on a slow or absent
// consumer.
type Stream struct {
	id string

	ch      chan Fragment
	credits chan struct{}

	abandon     chan struct{}
	abandonOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once

	done       chan struct{}
	finishOnce sync.Once

	seq    int
	result generation.Result
	err    error
}

// New returns a stream whose producer may run at most buffer fragments
// ahead of the consumer.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Stream{
		id:      uuid.NewString(),
		ch:      make(chan Fragment, buffer+1),
		credits: make(chan struct{}, buffer),
		abandon: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := 0; i < buffer; i++ {
		s.credits <- struct{}{}
	}
	return s
}

// ID identifies the stream in logs and transports.
func (s *Stream) ID() string { return s.id }

// Emit queues a text fragment, blocking while the queue is full. It returns
// generation.ErrAbandoned once the consumer has closed the stream and
// generation.ErrStopped once Stop has been called.
func (s *Stream) Emit(text string) error {
	select {
	case <-s.abandon:
		return generation.ErrAbandoned
	case <-s.stop:
		return generation.ErrStopped
	default:
	}
	select {
	case <-s.credits:
	case <-s.abandon:
		return generation.ErrAbandoned
	case <-s.stop:
		return generation.ErrStopped
	}
	s.seq++
	s.ch <- Fragment{Seq: s.seq, Text: text}
	return nil
}

// Stop releases a producer blocked in Emit without abandoning the stream:
// fragments already queued and the terminal fragment can still be read.
// It never blocks.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Finish queues the terminal fragment and closes the queue. Only the first
// call has any effect.
func (s *Stream) Finish(res generation.Result, err error) {
	s.finishOnce.Do(func() {
		s.result, s.err = res, err
		s.seq++
		m := res.Metrics
		s.ch <- Fragment{Seq: s.seq, Text: DoneMarker, Final: true, Metrics: &m, Err: err}
		close(s.ch)
		close(s.done)
	})
}

// Next returns the next fragment in order. It returns io.EOF after the
// terminal fragment has been consumed.
func (s *Stream) Next(ctx context.Context) (Fragment, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			return Fragment{}, io.EOF
		}
		if !f.Final {
			select {
			case s.credits <- struct{}{}:
			default:
			}
		}
		return f, nil
	case <-ctx.Done():
		return Fragment{}, ctx.Err()
	}
}

// All iterates fragments up to and including the terminal one. Breaking
// out of the loop early abandons the stream.
func (s *Stream) All() iter.Seq[Fragment] {
	return func(yield func(Fragment) bool) {
		for {
			f, err := s.Next(context.Background())
			if err != nil {
				return
			}
			if !yield(f) {
				s.Close()
				return
			}
			if f.Final {
				return
			}
		}
	}
}

// Close abandons the stream. A producer blocked in Emit is released and
// every later Emit fails with generation.ErrAbandoned. The terminal
// fragment is still queued.
func (s *Stream) Close() {
	s.abandonOnce.Do(func() { close(s.abandon) })
}

// Abandoned reports whether Close has been called.
func (s *Stream) Abandoned() bool {
	select {
	case <-s.abandon:
		return true
	default:
		return false
	}
}

// Done is closed once the terminal fragment has been queued.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the producer has finished and returns its outcome.
func (s *Stream) Wait() (generation.Result, error) {
	<-s.done
	return s.result, s.err
}

// Go runs produce on a new goroutine with s.Emit as its emit function and
// finishes s with whatever produce returns. A panic in produce finishes the
// stream with a backend_panic error.
func Go(s *Stream, produce func(emit generation.EmitFunc) (generation.Result, error)) {
	go func() {
		var (
			res generation.Result
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[PANIC][stream %s] recovered: %v\n%s", s.id, r, debug.Stack())
				res.Metrics.Finish = generation.FinishError
				err = &generation.Error{
					Kind: generation.KindBackendPanic,
					Msg:  fmt.Sprintf("Error during generation: %v", r),
				}
			}
			s.Finish(res, err)
		}()
		res, err = produce(s.Emit)
	}()
}
