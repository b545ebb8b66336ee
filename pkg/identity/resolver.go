package identity

import (
	"context"
	"log/slog"
	"time"
)

// BindingStore is the read-only lookup the resolver depends on.
// A nil binding with a nil error means "no binding row".
type BindingStore interface {
	FindBinding(ctx context.Context, platform Platform, platformUserID string) (*Binding, error)
}

// Result is the outcome of identity resolution. Unbound senders carry
// LevelUser; absence of data never promotes.
type Result struct {
	Bound          bool
	InternalUserID string
	Level          PermissionLevel
	Platform       Platform
	PlatformUserID string
	DisplayName    string
}

// RateKey returns the rate-limiter key for this identity: the internal
// user id when bound, otherwise platform-scoped.
func (r Result) RateKey() string {
	if r.Bound && r.InternalUserID != "" {
		return "user:" + r.InternalUserID
	}
	return string(r.Platform) + ":" + r.PlatformUserID
}

// Resolver resolves platform identities with a bounded timeout and a
// least-privilege fallback. It never returns an error: store failures,
// timeouts, and missing rows all resolve to an unbound LevelUser result.
type Resolver struct {
	store   BindingStore
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a Resolver. A nil store means every sender
// resolves to the unbound default (dev mode).
func NewResolver(store BindingStore, timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, timeout: timeout, logger: logger}
}

// Resolve maps (platform, platformUserID) to an internal identity.
func (r *Resolver) Resolve(ctx context.Context, platform Platform, platformUserID string) Result {
	fallback := Result{
		Bound:          false,
		Level:          LevelUser,
		Platform:       platform,
		PlatformUserID: platformUserID,
	}
	if r.store == nil || platformUserID == "" {
		return fallback
	}
	if _, err := ParsePlatform(string(platform)); err != nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	binding, err := r.store.FindBinding(ctx, platform, platformUserID)
	if err != nil {
		r.logger.Warn("identity lookup degraded to least privilege",
			"platform", platform, "error", err)
		return fallback
	}
	if binding == nil || binding.InternalUserID == "" {
		return fallback
	}

	return Result{
		Bound:          true,
		InternalUserID: binding.InternalUserID,
		Level:          binding.Level,
		Platform:       platform,
		PlatformUserID: platformUserID,
		DisplayName:    binding.DisplayName,
	}
}
