// Package platform holds the thin per-platform adapters: webhook payload
// normalization inbound and reply delivery outbound. Signature
// verification of webhook bodies happens before these adapters run.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/seobaike/remotegate/pkg/identity"
)

// Message is a platform-neutral inbound text message.
type Message struct {
	Platform          identity.Platform
	PlatformUserID    string
	PlatformMessageID string
	Text              string
	Timestamp         time.Time
	// ChatID addresses the reply on chat-id platforms (Telegram).
	ChatID string
	// ReplyToken addresses the reply on token platforms (LINE).
	ReplyToken string
	// DisplayName is whatever name the platform exposed, best effort.
	DisplayName string
}

// Normalizer turns a raw webhook body into a Message. A nil Message
// with a nil error means the event carried nothing actionable (joins,
// stickers, delivery receipts) and should be ignored silently.
type Normalizer interface {
	Platform() identity.Platform
	Normalize(body []byte) (*Message, error)
}

// Replier delivers one text reply to the channel a message came from.
type Replier interface {
	Platform() identity.Platform
	Reply(ctx context.Context, msg *Message, text string) error
	// Push delivers a message outside a reply context, addressed to a
	// platform user id. Used for approver notifications.
	Push(ctx context.Context, platformUserID, text string) error
}

// ErrUnknownPlatform is returned by Registry lookups that miss.
var ErrUnknownPlatform = errors.New("no adapter registered for platform")

// Registry maps platforms to their adapters, fixed at startup.
type Registry struct {
	normalizers map[identity.Platform]Normalizer
	repliers    map[identity.Platform]Replier
}

func NewRegistry() *Registry {
	return &Registry{
		normalizers: make(map[identity.Platform]Normalizer),
		repliers:    make(map[identity.Platform]Replier),
	}
}

func (r *Registry) RegisterNormalizer(n Normalizer) {
	r.normalizers[n.Platform()] = n
}

func (r *Registry) RegisterReplier(rep Replier) {
	r.repliers[rep.Platform()] = rep
}

func (r *Registry) Normalizer(p identity.Platform) (Normalizer, error) {
	n, ok := r.normalizers[p]
	if !ok {
		return nil, ErrUnknownPlatform
	}
	return n, nil
}

func (r *Registry) Replier(p identity.Platform) (Replier, error) {
	rep, ok := r.repliers[p]
	if !ok {
		return nil, ErrUnknownPlatform
	}
	return rep, nil
}

// Platforms lists the platforms with a registered normalizer.
func (r *Registry) Platforms() []identity.Platform {
	out := make([]identity.Platform, 0, len(r.normalizers))
	for p := range r.normalizers {
		out = append(out, p)
	}
	return out
}
