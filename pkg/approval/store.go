package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/seobaike/remotegate/pkg/identity"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusBlocked is terminal and set automatically, without a human
	// decision, when the risk scorer flags the request.
	StatusBlocked Status = "blocked"
	// StatusExpired is terminal and set by the expiry sweep.
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s != StatusPending }

// Requester identifies who queued a request, on which platform.
type Requester struct {
	Platform       identity.Platform `json:"platform"`
	PlatformUserID string            `json:"platform_user_id"`
	Identity       string            `json:"identity"`
	Bound          bool              `json:"bound"`
	DisplayName    string            `json:"display_name,omitempty"`
}

// Request is a queued high-risk command awaiting a decision.
type Request struct {
	ID         string            `json:"id"`
	Command    string            `json:"command"`
	SubCommand string            `json:"sub_command,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
	Requester  Requester         `json:"requester"`
	// ApprovalCode is unique among requests currently pending; once the
	// request is decided the code may be reissued to a later request.
	ApprovalCode string     `json:"approval_code"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
	// ErrCodeConflict is returned by Insert when the code collides with
	// another pending request; the queue regenerates and retries.
	ErrCodeConflict = errors.New("approval code already pending")
	// ErrConflict is returned by UpdateIfStatus when the request's
	// current status does not match the expected one.
	ErrConflict = errors.New("approval status conflict")
)

// Decision carries the fields a terminal transition stamps onto a request.
type Decision struct {
	Status    Status
	DecidedAt time.Time
	DecidedBy string
	Reason    string
}

// Store persists approval requests. Implementations must make
// UpdateIfStatus atomic: of two racing transitions on the same pending
// request, exactly one succeeds and the other gets ErrConflict.
type Store interface {
	// Insert persists a new request, failing with ErrCodeConflict if
	// its approval code is already held by a pending request. Requests
	// inserted in a terminal state (auto-blocked) never join the
	// pending code index.
	Insert(ctx context.Context, req *Request) error
	// Get looks a request up by id or by approval code, preferring the
	// pending holder of a code when codes have been reissued.
	Get(ctx context.Context, idOrCode string) (*Request, error)
	// UpdateIfStatus applies the decision only if the stored status
	// still equals expected, returning the updated request on success
	// and ErrConflict otherwise.
	UpdateIfStatus(ctx context.Context, id string, expected Status, d Decision) (*Request, error)
	// ListPending returns pending requests oldest first.
	ListPending(ctx context.Context) ([]*Request, error)
	// ListExpired returns pending requests whose ExpiresAt is at or
	// before the cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]*Request, error)
	// CountPendingBy counts pending requests from one identity.
	CountPendingBy(ctx context.Context, requesterIdentity string) (int, error)
}

// MemoryStore is an in-memory Store for tests and single-node use.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Request
	pending map[string]string // approval code -> request id, pending only
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Request),
		pending: make(map[string]string),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.pending[req.ApprovalCode]; taken {
		return ErrCodeConflict
	}
	cp := cloneRequest(req)
	s.byID[cp.ID] = cp
	if cp.Status == StatusPending {
		s.pending[cp.ApprovalCode] = cp.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, idOrCode string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.byID[idOrCode]; ok {
		return cloneRequest(req), nil
	}
	if id, ok := s.pending[idOrCode]; ok {
		return cloneRequest(s.byID[id]), nil
	}
	// Fall back to decided requests so callers can still inspect a
	// request by the code it carried while pending.
	for _, req := range s.byID {
		if req.ApprovalCode == idOrCode {
			return cloneRequest(req), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateIfStatus(ctx context.Context, id string, expected Status, d Decision) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != expected {
		return nil, ErrConflict
	}
	req.Status = d.Status
	decidedAt := d.DecidedAt
	req.DecidedAt = &decidedAt
	req.DecidedBy = d.DecidedBy
	if d.Reason != "" {
		req.Reason = d.Reason
	}
	if d.Status.Terminal() {
		delete(s.pending, req.ApprovalCode)
	}
	return cloneRequest(req), nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, id := range s.pending {
		out = append(out, cloneRequest(s.byID[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, cutoff time.Time) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, id := range s.pending {
		req := s.byID[id]
		if !req.ExpiresAt.After(cutoff) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountPendingBy(ctx context.Context, requesterIdentity string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.pending {
		if s.byID[id].Requester.Identity == requesterIdentity {
			n++
		}
	}
	return n, nil
}

func cloneRequest(req *Request) *Request {
	cp := *req
	if req.Args != nil {
		cp.Args = make(map[string]string, len(req.Args))
		for k, v := range req.Args {
			cp.Args[k] = v
		}
	}
	if req.DecidedAt != nil {
		t := *req.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}
