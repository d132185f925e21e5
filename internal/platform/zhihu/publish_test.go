package zhihu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedInjector scripts the read-back similarities and counts how
// often each injection primitive runs.
type scriptedInjector struct {
	atomicErr    error
	chunkedErr   error
	similarities []float64
	atomicCalls  int
	chunkedCalls int
	reads        int
}

func (s *scriptedInjector) injectAtomic(string) error {
	s.atomicCalls++
	return s.atomicErr
}

func (s *scriptedInjector) typeChunked(string) error {
	s.chunkedCalls++
	return s.chunkedErr
}

func (s *scriptedInjector) similarity(string) float64 {
	sim := s.similarities[s.reads]
	if s.reads < len(s.similarities)-1 {
		s.reads++
	}
	return sim
}

func newTestPublisher() *Publisher {
	return NewPublisher(nil, zap.NewNop())
}

func TestRunInjectionFirstAttemptSucceeds(t *testing.T) {
	inj := &scriptedInjector{similarities: []float64{0.98}}

	err := newTestPublisher().runInjection(context.Background(), inj, "body")

	require.NoError(t, err)
	assert.Equal(t, 1, inj.atomicCalls)
	assert.Zero(t, inj.chunkedCalls, "no retry when the read-back verifies")
}

func TestRunInjectionRetriesExactlyOnceOnTruncation(t *testing.T) {
	// Editor kept half the content on the first attempt, all of it on
	// the slow retry
	inj := &scriptedInjector{similarities: []float64{0.5, 1.0}}

	err := newTestPublisher().runInjection(context.Background(), inj, "body")

	require.NoError(t, err)
	assert.Equal(t, 1, inj.atomicCalls)
	assert.Equal(t, 1, inj.chunkedCalls)
}

func TestRunInjectionNeverSucceedsBelowThreshold(t *testing.T) {
	inj := &scriptedInjector{similarities: []float64{0.5, 0.6}}

	err := newTestPublisher().runInjection(context.Background(), inj, "body")

	require.ErrorIs(t, err, ErrContentTruncated)
	assert.Equal(t, 1, inj.chunkedCalls, "exactly one retry, never more")
}

func TestRunInjectionFallsBackWhenAtomicInjectionErrors(t *testing.T) {
	inj := &scriptedInjector{
		atomicErr:    errors.New("execCommand rejected"),
		similarities: []float64{1.0},
	}

	err := newTestPublisher().runInjection(context.Background(), inj, "body")

	require.NoError(t, err)
	assert.Equal(t, 1, inj.chunkedCalls, "errored attempt goes straight to the slow path")
}

func TestRunInjectionChunkedFailureSurfaces(t *testing.T) {
	inj := &scriptedInjector{
		similarities: []float64{0.2},
		chunkedErr:   errors.New("keyboard input failed"),
	}

	err := newTestPublisher().runInjection(context.Background(), inj, "body")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunked retry failed")
}

func TestRunInjectionStopsWhenCancelledBeforeRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inj := &scriptedInjector{similarities: []float64{0.5}}

	err := newTestPublisher().runInjection(ctx, inj, "body")

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, inj.chunkedCalls, "no browser work after cancellation")
}
