package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublink-io/hublink-go/pkg/wire"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []*wire.Frame
	fail   error
}

func (s *recordingSender) Send(f *wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.frames = append(s.frames, f)
	return nil
}

func TestSettleTwice(t *testing.T) {
	s := &recordingSender{}
	tr := NewTracker(s)
	tr.Track("tok-1")

	require.NoError(t, tr.Complete(context.Background(), "tok-1"))
	err := tr.Complete(context.Background(), "tok-1")
	assert.ErrorIs(t, err, ErrUnknownLockToken)

	require.Len(t, s.frames, 1)
	assert.Equal(t, wire.KindDisposition, s.frames[0].Kind)
	assert.Equal(t, "tok-1", s.frames[0].LockToken)
	assert.Equal(t, wire.OutcomeAccepted, s.frames[0].Outcome)
}

func TestSettleUnknownToken(t *testing.T) {
	tr := NewTracker(&recordingSender{})
	assert.ErrorIs(t, tr.Reject(context.Background(), "never-seen"), ErrUnknownLockToken)
}

func TestSettleOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		settle  func(*Tracker, context.Context, string) error
		outcome wire.Outcome
	}{
		{"complete", (*Tracker).Complete, wire.OutcomeAccepted},
		{"abandon", (*Tracker).Abandon, wire.OutcomeReleased},
		{"reject", (*Tracker).Reject, wire.OutcomeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSender{}
			tr := NewTracker(s)
			tr.Track("t")
			require.NoError(t, tt.settle(tr, context.Background(), "t"))
			assert.Equal(t, tt.outcome, s.frames[0].Outcome)
		})
	}
}

func TestSendFailureRestoresToken(t *testing.T) {
	s := &recordingSender{fail: errors.New("link detached")}
	tr := NewTracker(s)
	tr.Track("tok")

	assert.ErrorContains(t, tr.Abandon(context.Background(), "tok"), "link detached")
	assert.Equal(t, 1, tr.Pending())

	s.fail = nil
	assert.NoError(t, tr.Abandon(context.Background(), "tok"))
	assert.Equal(t, 0, tr.Pending())
}

func TestResetDropsTokens(t *testing.T) {
	tr := NewTracker(&recordingSender{})
	tr.Track("a")
	tr.Track("b")

	assert.Equal(t, 2, tr.Reset())
	assert.ErrorIs(t, tr.Complete(context.Background(), "a"), ErrUnknownLockToken)
}

func TestInvalidOutcome(t *testing.T) {
	tr := NewTracker(&recordingSender{})
	tr.Track("a")
	assert.ErrorIs(t, tr.Settle(context.Background(), "a", 0), wire.ErrInvalidOutcome)
	assert.Equal(t, 1, tr.Pending())
}

func TestConcurrentSettleExactlyOnce(t *testing.T) {
	s := &recordingSender{}
	tr := NewTracker(s)
	tr.Track("tok")

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Complete(context.Background(), "tok") == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Len(t, s.frames, 1)
}
