// Package settlement tracks the settlement obligation of inbound
// cloud-to-device messages by lock token.
//
// A token may be settled exactly once. Settling an unknown or already
// settled token fails with ErrUnknownLockToken; it is never silently
// ignored, since redelivery correctness depends on the caller seeing it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hublink-io/hublink-go/pkg/wire"
)

// ErrUnknownLockToken is returned for tokens that are unknown or already
// settled.
var ErrUnknownLockToken = errors.New("unknown or already settled lock token")

// Sender writes the disposition frame.
type Sender interface {
	Send(f *wire.Frame) error
}

// Tracker holds outstanding lock tokens.
type Tracker struct {
	sender Sender

	mu     sync.Mutex
	tokens map[string]struct{}

	// generation advances on Reset so a failed settle started before the
	// reset does not resurrect its token.
	generation uint64
}

// NewTracker creates a tracker sending dispositions through sender.
func NewTracker(sender Sender) *Tracker {
	return &Tracker{sender: sender, tokens: make(map[string]struct{})}
}

// Track records a token awaiting settlement.
func (t *Tracker) Track(token string) {
	t.mu.Lock()
	t.tokens[token] = struct{}{}
	t.mu.Unlock()
}

// Settle claims token and sends its disposition. If the send fails the token
// is restored, so the settle can be retried.
func (t *Tracker) Settle(ctx context.Context, token string, outcome wire.Outcome) error {
	if !outcome.IsValid() {
		return fmt.Errorf("%w: %d", wire.ErrInvalidOutcome, outcome)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if _, ok := t.tokens[token]; !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownLockToken, token)
	}
	delete(t.tokens, token)
	gen := t.generation
	t.mu.Unlock()

	err := t.sender.Send(&wire.Frame{
		Kind:      wire.KindDisposition,
		Link:      wire.LinkC2D,
		LockToken: token,
		Outcome:   outcome,
	})
	if err != nil {
		t.mu.Lock()
		if t.generation == gen {
			t.tokens[token] = struct{}{}
		}
		t.mu.Unlock()
		return fmt.Errorf("settle %s: %w", outcome, err)
	}
	return nil
}

// Complete accepts the message.
func (t *Tracker) Complete(ctx context.Context, token string) error {
	return t.Settle(ctx, token, wire.OutcomeAccepted)
}

// Abandon releases the message for redelivery.
func (t *Tracker) Abandon(ctx context.Context, token string) error {
	return t.Settle(ctx, token, wire.OutcomeReleased)
}

// Reject dead-letters the message.
func (t *Tracker) Reject(ctx context.Context, token string) error {
	return t.Settle(ctx, token, wire.OutcomeRejected)
}

// Pending returns the number of unsettled tokens.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

// Reset forgets every token. Tokens die with the link that delivered them;
// the service redelivers the messages on the next link.
func (t *Tracker) Reset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.tokens)
	t.tokens = make(map[string]struct{})
	t.generation++
	return n
}
