// Package approval holds high-risk commands in a pending queue until an
// authorized approver decides them, with automatic blocking for requests
// the risk scorer flags and expiry for requests nobody decides.
package approval

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seobaike/remotegate/pkg/identity"
	"github.com/seobaike/remotegate/pkg/risk"
)

// ErrInsufficientPermission is returned when the approver's level is
// below the floor required for the request's command.
var ErrInsufficientPermission = fmt.Errorf("approver permission level too low")

// codeAlphabet omits 0/O and 1/I so codes survive being read aloud or
// retyped from a phone screen.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6

	defaultPendingTTL = 30 * time.Minute
	maxCodeAttempts   = 10
)

// Approver is the decision-maker identity presented to Approve/Reject.
type Approver struct {
	Identity string
	Level    identity.PermissionLevel
}

// FloorFunc maps a command to the minimum level allowed to decide
// requests for it. A nil FloorFunc means every command requires operator.
type FloorFunc func(command string) identity.PermissionLevel

// Queue is the approval state machine over a Store.
type Queue struct {
	store      Store
	scorer     risk.Scorer
	blockAt    float64
	floor      FloorFunc
	pendingTTL time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithScorer installs a risk scorer; requests scoring at or above
// threshold are blocked at queue time instead of going pending.
func WithScorer(s risk.Scorer, threshold float64) Option {
	return func(q *Queue) {
		q.scorer = s
		q.blockAt = threshold
	}
}

// WithFloor installs the per-command approver floor.
func WithFloor(f FloorFunc) Option {
	return func(q *Queue) { q.floor = f }
}

// WithPendingTTL overrides how long a request stays approvable.
func WithPendingTTL(ttl time.Duration) Option {
	return func(q *Queue) { q.pendingTTL = ttl }
}

// WithClock overrides time for tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

func NewQueue(store Store, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:      store,
		pendingTTL: defaultPendingTTL,
		clock:      time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Queue creates a pending request with a freshly generated approval
// code, regenerating on collision with another pending code. When a
// scorer is installed and flags the requester, the request is persisted
// directly in the terminal blocked state.
func (q *Queue) Queue(ctx context.Context, command, subCommand string, args map[string]string, requester Requester) (*Request, error) {
	now := q.clock().UTC()
	req := &Request{
		ID:         uuid.NewString(),
		Command:    command,
		SubCommand: subCommand,
		Args:       args,
		Requester:  requester,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(q.pendingTTL),
	}

	if q.scorer != nil {
		pendingCount, err := q.store.CountPendingBy(ctx, requester.Identity)
		if err != nil {
			q.logger.Warn("pending count unavailable for risk scoring",
				"identity", requester.Identity, "error", err)
		}
		sig := risk.Signal{
			Identity:        requester.Identity,
			Bound:           requester.Bound,
			Command:         command,
			Args:            args,
			PendingRequests: pendingCount,
		}
		if score := q.scorer.Score(sig); score >= q.blockAt {
			req.Status = StatusBlocked
			req.Reason = fmt.Sprintf("blocked by risk score %.2f", score)
			decidedAt := now
			req.DecidedAt = &decidedAt
			req.DecidedBy = "risk-scorer"
		}
	}

	for attempt := 0; ; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, fmt.Errorf("generate approval code: %w", err)
		}
		req.ApprovalCode = code
		err = q.store.Insert(ctx, req)
		if err == nil {
			break
		}
		if err != ErrCodeConflict || attempt >= maxCodeAttempts {
			return nil, fmt.Errorf("queue approval request: %w", err)
		}
	}

	if req.Status == StatusBlocked {
		q.logger.Warn("approval request auto-blocked",
			"request_id", req.ID, "identity", requester.Identity, "command", command)
	}
	return req, nil
}

// Approve transitions a pending request to approved. Lookup accepts the
// request id or its approval code. Reason is optional.
func (q *Queue) Approve(ctx context.Context, idOrCode string, approver Approver, reason string) (*Request, error) {
	return q.decide(ctx, idOrCode, approver, reason, StatusApproved)
}

// Reject transitions a pending request to rejected with a reason.
func (q *Queue) Reject(ctx context.Context, idOrCode string, approver Approver, reason string) (*Request, error) {
	return q.decide(ctx, idOrCode, approver, reason, StatusRejected)
}

func (q *Queue) decide(ctx context.Context, idOrCode string, approver Approver, reason string, target Status) (*Request, error) {
	req, err := q.store.Get(ctx, idOrCode)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return req, ErrAlreadyDecided
	}
	if !approver.Level.AtLeast(q.floorFor(req.Command)) {
		return req, ErrInsufficientPermission
	}
	if q.clock().UTC().After(req.ExpiresAt) {
		// Lazily expire instead of deciding. A lost race here just means
		// the sweep got there first.
		if _, err := q.store.UpdateIfStatus(ctx, req.ID, StatusPending, Decision{
			Status: StatusExpired, DecidedAt: q.clock().UTC(), DecidedBy: "expiry-sweep",
		}); err != nil && err != ErrConflict {
			return nil, err
		}
		return req, ErrAlreadyDecided
	}

	updated, err := q.store.UpdateIfStatus(ctx, req.ID, StatusPending, Decision{
		Status:    target,
		DecidedAt: q.clock().UTC(),
		DecidedBy: approver.Identity,
		Reason:    reason,
	})
	if err == ErrConflict {
		// The other racer won; report the request as it now stands.
		current, getErr := q.store.Get(ctx, req.ID)
		if getErr != nil {
			return nil, getErr
		}
		return current, ErrAlreadyDecided
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListPending returns pending requests oldest first. It never mutates
// state; expired entries still listed here are cleaned by SweepExpired.
func (q *Queue) ListPending(ctx context.Context) ([]*Request, error) {
	return q.store.ListPending(ctx)
}

// SweepExpired moves pending requests past their ExpiresAt into the
// terminal expired state and returns how many it moved.
func (q *Queue) SweepExpired(ctx context.Context) (int, error) {
	now := q.clock().UTC()
	expired, err := q.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, req := range expired {
		_, err := q.store.UpdateIfStatus(ctx, req.ID, StatusPending, Decision{
			Status: StatusExpired, DecidedAt: now, DecidedBy: "expiry-sweep",
		})
		if err == ErrConflict {
			continue // decided while sweeping
		}
		if err != nil {
			return swept, err
		}
		q.logger.Info("approval request expired",
			"request_id", req.ID, "command", req.Command, "code", req.ApprovalCode)
		swept++
	}
	return swept, nil
}

func (q *Queue) floorFor(command string) identity.PermissionLevel {
	if q.floor == nil {
		return identity.LevelOperator
	}
	return q.floor(command)
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
