// Package dispatch wires the governance pipeline: identity resolution,
// rate limiting, parsing, permission floors, path validation, approval
// queueing and the audit trail. Every inbound message produces exactly
// one reply; stage failures degrade to a denial, never a panic.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seobaike/remotegate/pkg/approval"
	"github.com/seobaike/remotegate/pkg/audit"
	"github.com/seobaike/remotegate/pkg/command"
	"github.com/seobaike/remotegate/pkg/config"
	"github.com/seobaike/remotegate/pkg/governor"
	"github.com/seobaike/remotegate/pkg/identity"
	"github.com/seobaike/remotegate/pkg/platform"
	"github.com/seobaike/remotegate/pkg/ratelimit"
	"github.com/seobaike/remotegate/pkg/taxonomy"
)

// Executor runs an approved or low-risk command against the backend.
type Executor interface {
	Execute(ctx context.Context, cmd command.Parsed, requester identity.Result) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cmd command.Parsed, requester identity.Result) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd command.Parsed, requester identity.Result) (string, error) {
	return f(ctx, cmd, requester)
}

const genericErrorReply = "Something went wrong. Please try again later."

// Metrics receives dispatch measurements. observability.Provider
// satisfies it; a nil Config.Metrics disables recording.
type Metrics interface {
	RecordCommand(ctx context.Context, attrs ...attribute.KeyValue)
	RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue)
	RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue)
	RecordViolation(ctx context.Context, verdict string)
}

type noopMetrics struct{}

func (noopMetrics) RecordCommand(context.Context, ...attribute.KeyValue)                 {}
func (noopMetrics) RecordError(context.Context, error, ...attribute.KeyValue)            {}
func (noopMetrics) RecordDuration(context.Context, time.Duration, ...attribute.KeyValue) {}
func (noopMetrics) RecordViolation(context.Context, string)                              {}

// Dispatcher orchestrates the pipeline stages in order. All
// collaborators are injected and fixed at construction.
type Dispatcher struct {
	resolver *identity.Resolver
	limiter  *ratelimit.Limiter
	parser   *command.Parser
	surface  *config.Surface
	governor *governor.Governor
	queue    *approval.Queue
	trail    *audit.Log
	// rateTrail records rate-limit rejections apart from governance
	// decisions so cooldown noise never pollutes the decision trail.
	rateTrail *audit.Log
	registry  *platform.Registry
	executor  Executor

	defaultCooldown time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer
	metrics         Metrics
}

// Config collects the Dispatcher's collaborators.
type Config struct {
	Resolver        *identity.Resolver
	Limiter         *ratelimit.Limiter
	Parser          *command.Parser
	Surface         *config.Surface
	Governor        *governor.Governor
	Queue           *approval.Queue
	Trail           *audit.Log
	RateTrail       *audit.Log
	Registry        *platform.Registry
	Executor        Executor
	DefaultCooldown time.Duration
	Logger          *slog.Logger
	Metrics         Metrics
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rateTrail := cfg.RateTrail
	if rateTrail == nil {
		rateTrail = audit.NewLog()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		resolver:        cfg.Resolver,
		limiter:         cfg.Limiter,
		parser:          cfg.Parser,
		surface:         cfg.Surface,
		governor:        cfg.Governor,
		queue:           cfg.Queue,
		trail:           cfg.Trail,
		rateTrail:       rateTrail,
		registry:        cfg.Registry,
		executor:        cfg.Executor,
		defaultCooldown: cfg.DefaultCooldown,
		logger:          logger,
		tracer:          otel.Tracer("remotegate/dispatch"),
		metrics:         metrics,
	}
}

// RateTrail exposes the rate-limit rejection log for inspection.
func (d *Dispatcher) RateTrail() *audit.Log { return d.rateTrail }

// Dispatch runs one normalized message through the pipeline and returns
// the single reply text for the originating channel.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *platform.Message) string {
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(attribute.String("platform", string(msg.Platform))))
	defer span.End()

	start := time.Now()
	defer func() {
		d.metrics.RecordDuration(ctx, time.Since(start),
			attribute.String("platform", string(msg.Platform)))
	}()

	res := d.resolver.Resolve(ctx, msg.Platform, msg.PlatformUserID)
	span.SetAttributes(attribute.Bool("identity.bound", res.Bound))

	if decision := d.limiter.Allow(ctx, res.RateKey(), d.defaultCooldown); !decision.Allowed {
		d.recordRateLimit(res, "", decision)
		return retryNotice(decision.RetryAfter)
	}

	parsed := d.parser.Parse(msg.Text)
	if !parsed.IsCommand() {
		return d.helpText()
	}
	name := strings.TrimPrefix(parsed.Command, "/")
	span.SetAttributes(attribute.String("command", name))
	d.metrics.RecordCommand(ctx, attribute.String("command", name))

	// Commands outside the surface get the help text, never an error.
	if !d.surface.Known(name) {
		return d.helpText()
	}

	// Permission floor comes before any risk or taxonomy work so an
	// under-privileged sender learns nothing about a command's class.
	if !res.Level.AtLeast(d.surface.FloorFor(name)) {
		d.record(audit.Record{
			Identity: res.RateKey(),
			Platform: string(msg.Platform),
			Command:  name,
			Outcome:  audit.OutcomeDenied,
			Detail:   fmt.Sprintf("requires %s, sender is %s", d.surface.FloorFor(name), res.Level),
		})
		return fmt.Sprintf("Permission denied: /%s requires %s access.", name, d.surface.FloorFor(name))
	}

	if cooldown := d.surface.CooldownFor(name); cooldown > 0 {
		key := res.RateKey() + ":" + name
		if decision := d.limiter.Allow(ctx, key, cooldown); !decision.Allowed {
			d.recordRateLimit(res, name, decision)
			return retryNotice(decision.RetryAfter)
		}
	}

	switch name {
	case "approve":
		return d.handleApprove(ctx, msg, res, parsed)
	case "reject":
		return d.handleReject(ctx, msg, res, parsed)
	case "pending":
		return d.handlePending(ctx, res)
	case "help", "start":
		return d.helpText()
	}

	if d.surface.NeedsTaxonomy(name) {
		if reply, ok := d.checkTaxonomy(ctx, res, parsed, name); !ok {
			return reply
		} else if name == "path" {
			// /path check is the query form; the verdict is the answer.
			return reply
		}
	}

	if d.surface.HighRisk(name) {
		return d.enqueue(ctx, msg, res, parsed, name)
	}

	return d.execute(ctx, res, parsed, name, "")
}

// checkTaxonomy validates the path arguments through the governor. It
// returns (reply, false) when the pipeline must stop, or the allowed
// confirmation with ok=true.
func (d *Dispatcher) checkTaxonomy(ctx context.Context, res identity.Result, parsed command.Parsed, name string) (string, bool) {
	ctx, span := d.tracer.Start(ctx, "dispatch.taxonomy")
	defer span.End()

	if d.governor == nil {
		// No governor wired means no path may pass.
		return "Path denied: path validation is unavailable.", false
	}
	path := taxonomy.Path{
		L1: parsed.Args["l1_id"],
		L2: parsed.Args["l2_id"],
		L3: parsed.Args["l3_id"],
		L4: parsed.Args["l4_id"],
	}
	v := d.governor.CheckPath(ctx, path, res.RateKey())
	span.SetAttributes(attribute.String("verdict", string(v.Status)))
	if v.Status == governor.StatusHalted || v.Status == governor.StatusBlocked {
		d.metrics.RecordViolation(ctx, string(v.Status))
	}

	switch v.Status {
	case governor.StatusAllowed:
		return fmt.Sprintf("Path %s is allowed.", path), true
	case governor.StatusHalted:
		return fmt.Sprintf("Path halted: hierarchy breaks at %s (%s).", v.DriftLevel, v.Reason), false
	case governor.StatusBlocked:
		return fmt.Sprintf("Path blocked: %s", v.Reason), false
	default:
		return fmt.Sprintf("Path denied: %s", v.Reason), false
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, msg *platform.Message, res identity.Result, parsed command.Parsed, name string) string {
	ctx, span := d.tracer.Start(ctx, "dispatch.enqueue")
	defer span.End()

	req, err := d.queue.Queue(ctx, name, parsed.SubCommand, parsed.Args, approval.Requester{
		Platform:       msg.Platform,
		PlatformUserID: msg.PlatformUserID,
		Identity:       res.RateKey(),
		Bound:          res.Bound,
		DisplayName:    res.DisplayName,
	})
	if err != nil {
		d.logger.Error("approval enqueue failed", "command", name, "error", err)
		d.metrics.RecordError(ctx, err, attribute.String("stage", "enqueue"))
		d.record(audit.Record{
			Identity: res.RateKey(),
			Platform: string(msg.Platform),
			Command:  name,
			Outcome:  audit.OutcomeDenied,
			Severity: audit.SeverityError,
			Detail:   "approval queue unavailable",
		})
		return genericErrorReply
	}

	if req.Status == approval.StatusBlocked {
		d.record(audit.Record{
			Identity:       res.RateKey(),
			Platform:       string(msg.Platform),
			Command:        name,
			ApprovalStatus: string(req.Status),
			Outcome:        audit.OutcomeBlocked,
			Severity:       audit.SeverityWarn,
			Detail:         req.Reason,
		})
		return fmt.Sprintf("Request blocked: /%s cannot be queued for this account.", name)
	}

	d.record(audit.Record{
		Identity:       res.RateKey(),
		Platform:       string(msg.Platform),
		Command:        name,
		ApprovalStatus: string(req.Status),
		Outcome:        audit.OutcomeQueued,
	})
	d.notifyApprovers(ctx, req)
	return fmt.Sprintf("Queued, pending approval. Code: %s (expires in %s).",
		req.ApprovalCode, req.ExpiresAt.Sub(req.CreatedAt).Round(time.Minute))
}

func (d *Dispatcher) handleApprove(ctx context.Context, msg *platform.Message, res identity.Result, parsed command.Parsed) string {
	code := parsed.Args["code"]
	if code == "" {
		return "Usage: /approve <code> [reason]"
	}
	req, err := d.queue.Approve(ctx, code, approval.Approver{
		Identity: res.RateKey(),
		Level:    res.Level,
	}, parsed.Args["reason"])
	if reply, ok := d.decisionFailureReply(res, msg, "approve", code, req, err); !ok {
		return reply
	}

	out, err := d.executor.Execute(ctx, command.Parsed{
		Command:    "/" + req.Command,
		SubCommand: req.SubCommand,
		Args:       req.Args,
	}, res)
	if err != nil {
		d.logger.Error("approved command execution failed",
			"command", req.Command, "request_id", req.ID, "error", err)
		d.record(audit.Record{
			Identity:       req.Requester.Identity,
			Platform:       string(req.Requester.Platform),
			Command:        req.Command,
			ApprovalStatus: string(req.Status),
			Outcome:        audit.OutcomeDenied,
			Severity:       audit.SeverityError,
			Detail:         "execution failed after approval",
		})
		return genericErrorReply
	}
	d.record(audit.Record{
		Identity:       req.Requester.Identity,
		Platform:       string(req.Requester.Platform),
		Command:        req.Command,
		ApprovalStatus: string(req.Status),
		Outcome:        audit.OutcomeExecuted,
		Detail:         fmt.Sprintf("approved by %s", res.RateKey()),
	})
	d.notifyRequester(ctx, req, fmt.Sprintf("Your /%s request was approved and executed.", req.Command))
	return fmt.Sprintf("Approved /%s (code %s). %s", req.Command, req.ApprovalCode, out)
}

func (d *Dispatcher) handleReject(ctx context.Context, msg *platform.Message, res identity.Result, parsed command.Parsed) string {
	code := parsed.Args["code"]
	reason := parsed.Args["reason"]
	if code == "" || reason == "" {
		return "Usage: /reject <code> <reason>"
	}
	req, err := d.queue.Reject(ctx, code, approval.Approver{
		Identity: res.RateKey(),
		Level:    res.Level,
	}, reason)
	if reply, ok := d.decisionFailureReply(res, msg, "reject", code, req, err); !ok {
		return reply
	}

	d.record(audit.Record{
		Identity:       req.Requester.Identity,
		Platform:       string(req.Requester.Platform),
		Command:        req.Command,
		ApprovalStatus: string(req.Status),
		Outcome:        audit.OutcomeRejected,
		Detail:         fmt.Sprintf("rejected by %s: %s", res.RateKey(), reason),
	})
	d.notifyRequester(ctx, req, fmt.Sprintf("Your /%s request was rejected: %s", req.Command, reason))
	return fmt.Sprintf("Rejected /%s (code %s).", req.Command, req.ApprovalCode)
}

// decisionFailureReply maps Approve/Reject errors to replies. ok=true
// means the decision succeeded and req is the decided request.
func (d *Dispatcher) decisionFailureReply(res identity.Result, msg *platform.Message, action, code string, req *approval.Request, err error) (string, bool) {
	switch {
	case err == nil:
		return "", true
	case errors.Is(err, approval.ErrNotFound):
		return fmt.Sprintf("No approval request matches %q.", code), false
	case errors.Is(err, approval.ErrAlreadyDecided):
		status := "decided"
		if req != nil {
			status = string(req.Status)
		}
		return fmt.Sprintf("Request %q is already %s.", code, status), false
	case errors.Is(err, approval.ErrInsufficientPermission):
		d.record(audit.Record{
			Identity: res.RateKey(),
			Platform: string(msg.Platform),
			Command:  action,
			Outcome:  audit.OutcomeDenied,
			Detail:   "approver below required level",
		})
		return "Permission denied: your level cannot decide this request.", false
	default:
		d.logger.Error("approval decision failed", "action", action, "code", code, "error", err)
		return genericErrorReply, false
	}
}

func (d *Dispatcher) handlePending(ctx context.Context, res identity.Result) string {
	pending, err := d.queue.ListPending(ctx)
	if err != nil {
		d.logger.Error("pending list failed", "error", err)
		return genericErrorReply
	}
	if len(pending) == 0 {
		return "No pending approval requests."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Pending approval requests (%d):\n", len(pending))
	for _, req := range pending {
		fmt.Fprintf(&b, "  %s  /%s  from %s  expires %s\n",
			req.ApprovalCode, req.Command, req.Requester.Identity,
			req.ExpiresAt.Format("15:04 MST"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) execute(ctx context.Context, res identity.Result, parsed command.Parsed, name, approvalStatus string) string {
	ctx, span := d.tracer.Start(ctx, "dispatch.execute")
	defer span.End()

	out, err := d.executor.Execute(ctx, parsed, res)
	if err != nil {
		d.logger.Error("command execution failed", "command", name, "error", err)
		d.metrics.RecordError(ctx, err, attribute.String("stage", "execute"))
		d.record(audit.Record{
			Identity: res.RateKey(),
			Platform: string(res.Platform),
			Command:  name,
			Outcome:  audit.OutcomeDenied,
			Severity: audit.SeverityError,
			Detail:   "execution failed",
		})
		return genericErrorReply
	}
	d.record(audit.Record{
		Identity:       res.RateKey(),
		Platform:       string(res.Platform),
		Command:        name,
		ApprovalStatus: approvalStatus,
		Outcome:        audit.OutcomeExecuted,
	})
	return out
}

// notifyApprovers fans a new-request notice out to every configured
// approver channel. Each delivery fails independently.
func (d *Dispatcher) notifyApprovers(ctx context.Context, req *approval.Request) {
	if d.registry == nil {
		return
	}
	text := fmt.Sprintf("Approval needed: /%s from %s. Reply /approve %s or /reject %s <reason>.",
		req.Command, req.Requester.Identity, req.ApprovalCode, req.ApprovalCode)
	for _, target := range d.surface.Approvers {
		p, err := identity.ParsePlatform(target.Platform)
		if err != nil {
			d.logger.Warn("approver channel has unknown platform", "platform", target.Platform)
			continue
		}
		rep, err := d.registry.Replier(p)
		if err != nil {
			d.logger.Warn("no replier for approver channel", "platform", target.Platform)
			continue
		}
		if err := rep.Push(ctx, target.UserID, text); err != nil {
			d.logger.Warn("approver notification failed",
				"platform", target.Platform, "user_id", target.UserID, "error", err)
		}
	}
}

// notifyRequester tells the original requester how their request ended.
// Best effort only; the approver's reply is the authoritative one.
func (d *Dispatcher) notifyRequester(ctx context.Context, req *approval.Request, text string) {
	if d.registry == nil {
		return
	}
	rep, err := d.registry.Replier(req.Requester.Platform)
	if err != nil {
		return
	}
	if err := rep.Push(ctx, req.Requester.PlatformUserID, text); err != nil {
		d.logger.Warn("requester notification failed",
			"platform", req.Requester.Platform, "error", err)
	}
}

func (d *Dispatcher) record(rec audit.Record) {
	if _, err := d.trail.Append(rec); err != nil {
		d.logger.Error("audit append failed", "command", rec.Command, "error", err)
	}
}

func (d *Dispatcher) recordRateLimit(res identity.Result, name string, decision ratelimit.Decision) {
	rec := audit.Record{
		Identity: res.RateKey(),
		Platform: string(res.Platform),
		Command:  name,
		Outcome:  audit.OutcomeDenied,
		Detail:   fmt.Sprintf("rate limited, retry after %s", decision.RetryAfter.Round(time.Second)),
	}
	if _, err := d.rateTrail.Append(rec); err != nil {
		d.logger.Warn("rate limit audit append failed", "error", err)
	}
}

func (d *Dispatcher) helpText() string {
	names := make([]string, 0, len(d.surface.Commands))
	for name := range d.surface.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  /%s (%s)\n", name, d.surface.FloorFor(name))
	}
	return strings.TrimRight(b.String(), "\n")
}

func retryNotice(retryAfter time.Duration) string {
	secs := int(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("Too many requests. Retry in %d seconds.", secs)
}
