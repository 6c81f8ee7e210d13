// Package provisioning registers a device with the provisioning service
// and waits for its assignment.
//
// Registration is asynchronous: the submission returns an operation that is
// polled until it reaches assigned, failed or disabled. Between lookups the
// client waits the server-supplied retry-after, or a jittered default
// interval. A transient lookup failure does not end the registration; the
// lookup is retried with the same spacing until the caller's context ends.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/persistence"
	"github.com/hublink-io/hublink-go/pkg/retry"
)

// Polling defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollJitter   = 0.25
)

// Transport carries registration requests to the service.
type Transport interface {
	// Register submits req. correlationID is reused by every lookup of the
	// resulting operation.
	Register(ctx context.Context, correlationID string, req *Request) (*Operation, error)

	// OperationStatus looks up an operation.
	OperationStatus(ctx context.Context, operationID, correlationID string) (*Operation, error)
}

// Options configures a Client.
type Options struct {
	// PollInterval is the wait between lookups when the server sends no
	// retry-after (default DefaultPollInterval).
	PollInterval time.Duration

	// Jitter spreads PollInterval by up to this fraction either way
	// (default DefaultPollJitter; negative disables).
	Jitter float64

	// Store receives assigned credentials. Optional.
	Store persistence.CredentialStore

	Logger *slog.Logger
}

// Client drives registrations.
type Client struct {
	transport    Transport
	store        persistence.CredentialStore
	pollInterval time.Duration
	jitter       *retry.Jitterer
	logger       *slog.Logger
}

// NewClient creates a client sending through t.
func NewClient(t Transport, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Jitter == 0 {
		opts.Jitter = DefaultPollJitter
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		transport:    t,
		store:        opts.Store,
		pollInterval: opts.PollInterval,
		jitter:       retry.NewJitterer(opts.Jitter),
		logger:       logger,
	}
}

// Register submits req once and polls until the operation is terminal.
// On assignment the credentials are persisted and the state returned.
// Failed and disabled outcomes return a *RegistrationError.
func (c *Client) Register(ctx context.Context, req *Request) (*RegistrationState, error) {
	correlationID := uuid.NewString()
	logger := c.logger.With("registration", req.RegistrationID, "correlation", correlationID)

	op, err := c.transport.Register(ctx, correlationID, req)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", req.RegistrationID, err)
	}
	logger.Info("registration submitted", "operation", op.OperationID, "status", op.Status)

	retryAfter := op.RetryAfter
	for !op.Status.Terminal() {
		if !op.Status.Pending() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, op.Status)
		}
		if err := retry.Sleep(ctx, c.wait(retryAfter)); err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err)
		}

		next, err := c.lookup(ctx, logger, op.OperationID, correlationID, &retryAfter)
		if err != nil {
			return nil, err
		}
		if next.OperationID == "" {
			next.OperationID = op.OperationID
		}
		op = next
		if op.RetryAfter > 0 {
			retryAfter = op.RetryAfter
		}
		logger.Debug("registration status", "operation", op.OperationID, "status", op.Status)
	}

	switch op.Status {
	case StatusAssigned:
		return c.assigned(req, op)
	default:
		return nil, rejectionOf(op)
	}
}

// lookup issues one status lookup, retrying transient failures with the
// last known retry-after until ctx ends.
func (c *Client) lookup(ctx context.Context, logger *slog.Logger, operationID, correlationID string, retryAfter *time.Duration) (*Operation, error) {
	for attempt := 1; ; attempt++ {
		op, err := c.transport.OperationStatus(ctx, operationID, correlationID)
		if err == nil {
			return op, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fault.Wrap(fault.KindOf(ctxErr), ctxErr)
		}

		var re *RegistrationError
		switch {
		case errors.As(err, &re):
			if !re.Retryable {
				return nil, err
			}
			if re.RetryAfter > 0 {
				*retryAfter = re.RetryAfter
			}
		case errors.Is(err, ErrMalformedRejection), !fault.IsTransient(err):
			return nil, err
		}

		delay := c.wait(*retryAfter)
		logger.Warn("status lookup failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err)
		}
	}
}

func (c *Client) wait(retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	return c.jitter.Spread(c.pollInterval)
}

func (c *Client) assigned(req *Request, op *Operation) (*RegistrationState, error) {
	state := op.RegistrationState
	if state == nil {
		return nil, fault.Wrap(fault.KindProtocol, errors.New("assigned operation has no registration state"))
	}
	if state.RegistrationID == "" {
		state.RegistrationID = req.RegistrationID
	}
	c.logger.Info("registration assigned", "registration", state.RegistrationID, "hub", state.AssignedHub, "device", state.DeviceID)

	if c.store != nil {
		err := c.store.Save(&persistence.Credentials{
			RegistrationID: state.RegistrationID,
			AssignedHub:    state.AssignedHub,
			DeviceID:       state.DeviceID,
			Credential:     state.Credential,
			ETag:           state.ETag,
		})
		if err != nil {
			return state, fmt.Errorf("persist credentials: %w", err)
		}
	}
	return state, nil
}

// rejectionOf builds the error of a failed or disabled operation.
func rejectionOf(op *Operation) error {
	state := op.RegistrationState
	if state == nil || state.ErrorCode == 0 {
		if op.Status == StatusDisabled {
			return &RegistrationError{Status: op.Status, TrackingID: op.TrackingID, Message: "enrollment disabled"}
		}
		return fmt.Errorf("%w: %s operation without error code", ErrMalformedRejection, op.Status)
	}
	re := newRegistrationError(state.ErrorCode, op.TrackingID, state.ErrorMessage)
	re.Status = op.Status
	re.Retryable = false
	return re
}
