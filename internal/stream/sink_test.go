package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeLLM/internal/config"
	"EdgeLLM/internal/generation"
)

func TestPumpDeliversInOrder(t *testing.T) {
	s := New(2)
	Go(s, produceN(5))

	var got []Fragment
	err := Deliverer{Attempts: 2}.Pump(context.Background(), s, func(f Fragment) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, "0", got[0].Text)
	assert.True(t, got[5].Final)
}

func TestPumpRetriesOnce(t *testing.T) {
	s := New(2)
	Go(s, produceN(3))

	calls := map[int]int{}
	var delivered []string
	err := Deliverer{Attempts: 2}.Pump(context.Background(), s, func(f Fragment) error {
		calls[f.Seq]++
		if f.Seq == 2 && calls[f.Seq] == 1 {
			return errors.New("transient")
		}
		delivered = append(delivered, f.Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls[2])
	assert.Equal(t, []string{"0", "1", "2", DoneMarker}, delivered)
}

func TestPumpPersistentFailureCancels(t *testing.T) {
	s := New(1)
	Go(s, produceN(1000))

	var finals []Fragment
	err := Deliverer{Attempts: 3}.Pump(context.Background(), s, func(f Fragment) error {
		if f.Final {
			finals = append(finals, f)
			return nil
		}
		return errors.New("broken pipe")
	})
	require.Error(t, err)
	assert.Equal(t, generation.KindDelivery, generation.KindOf(err))

	require.Len(t, finals, 1)
	assert.Equal(t, generation.KindDelivery, generation.KindOf(finals[0].Err))

	res, _ := s.Wait()
	assert.Equal(t, generation.FinishCancelled, res.Metrics.Finish)
}

func TestPumpContextCancelled(t *testing.T) {
	s := New(1)
	Go(s, produceN(1000))

	ctx, cancel := context.WithCancel(context.Background())
	var finals int
	err := Deliverer{}.Pump(ctx, s, func(f Fragment) error {
		if f.Final {
			finals++
		} else {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, finals)
	assert.True(t, s.Abandoned())
}

func TestDelivererFrom(t *testing.T) {
	d := DelivererFrom(config.StreamConfig{RetryAttempts: 0, RetryBackoff: "10ms"})
	assert.Equal(t, 2, d.attempts())
	assert.Equal(t, "10ms", d.Backoff.String())

	d = DelivererFrom(config.StreamConfig{RetryAttempts: 5, RetryBackoff: "nope"})
	assert.Equal(t, 5, d.attempts())
	assert.Zero(t, d.Backoff)
}
