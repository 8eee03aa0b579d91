package stream

import (
	"context"
	"errors"
	"log"
	"time"

	"EdgeLLM/internal/config"
	"EdgeLLM/internal/generation"
)

// Sink receives fragments in order. The terminal fragment is passed to the
// sink like any other, with Final set.
type Sink func(Fragment) error

// Deliverer pumps a stream into a sink, retrying failed deliveries.
type Deliverer struct {
	// Attempts is the number of tries per fragment, at least 2.
	Attempts int
	Backoff  time.Duration
}

// DelivererFrom builds a Deliverer from stream configuration.
func DelivererFrom(cfg config.StreamConfig) Deliverer {
	d := Deliverer{Attempts: cfg.RetryAttempts}
	if cfg.RetryBackoff != "" {
		if b, err := time.ParseDuration(cfg.RetryBackoff); err == nil {
			d.Backoff = b
		} else {
			log.Printf("stream: invalid retry backoff %q: %v", cfg.RetryBackoff, err)
		}
	}
	return d
}

func (d Deliverer) attempts() int {
	if d.Attempts < 2 {
		return 2
	}
	return d.Attempts
}

// Pump delivers every fragment of s to sink until the terminal fragment has
// been handed over, then returns. When a text fragment cannot be delivered
// the stream is abandoned, so the producer cancels, and the terminal
// fragment reports the delivery error. The returned error is the first
// delivery failure, if any.
func (d Deliverer) Pump(ctx context.Context, s *Stream, sink Sink) error {
	var failure error
	for {
		f, err := s.Next(ctx)
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			// The caller went away; cancel the producer and drain to the
			// terminal fragment.
			s.Close()
			ctx = context.Background()
			continue
		}
		if err != nil {
			return failure
		}

		if f.Final {
			if failure != nil && f.Err == nil {
				f.Err = failure
			}
			if derr := d.deliver(s.id, sink, f); derr != nil && failure == nil {
				failure = delivery(derr)
			}
			return failure
		}

		if failure != nil {
			continue
		}
		if derr := d.deliver(s.id, sink, f); derr != nil {
			failure = delivery(derr)
			s.Close()
		}
	}
}

func (d Deliverer) deliver(id string, sink Sink, f Fragment) error {
	var err error
	n := d.attempts()
	for attempt := 1; attempt <= n; attempt++ {
		if err = sink(f); err == nil {
			return nil
		}
		if attempt < n {
			log.Printf("stream %s: retrying fragment %d after %v (attempt %d/%d)", id, f.Seq, err, attempt+1, n)
			if d.Backoff > 0 {
				time.Sleep(d.Backoff * time.Duration(attempt))
			}
		}
	}
	log.Printf("stream %s: dropping delivery of fragment %d: %v", id, f.Seq, err)
	return err
}

func delivery(err error) error {
	return &generation.Error{Kind: generation.KindDelivery, Msg: "Failed to deliver fragment", Err: err}
}
