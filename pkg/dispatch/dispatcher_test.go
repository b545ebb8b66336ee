package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type staticBindings map[string]*identity.Binding

func (s staticBindings) FindBinding(ctx context.Context, p identity.Platform, userID string) (*identity.Binding, error) {
	return s[string(p)+":"+userID], nil
}

type recordingReplier struct {
	mu     sync.Mutex
	pushes []string
}

func (r *recordingReplier) Platform() identity.Platform { return identity.PlatformTelegram }

func (r *recordingReplier) Reply(ctx context.Context, msg *platform.Message, text string) error {
	return nil
}

func (r *recordingReplier) Push(ctx context.Context, userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, userID+": "+text)
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	trail      *audit.Log
	queue      *approval.Queue
	replier    *recordingReplier
	execErr    error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bindings := staticBindings{
		"telegram:100": {InternalUserID: "op-1", Level: identity.LevelOperator, DisplayName: "operator"},
		"telegram:200": {InternalUserID: "boss-1", Level: identity.LevelBoss, DisplayName: "boss"},
		"telegram:300": {InternalUserID: "u-1", Level: identity.LevelUser, DisplayName: "user"},
	}

	taxStore := taxonomy.NewMemoryStore()
	taxStore.AddNode(taxonomy.Node{ID: "c1", Level: taxonomy.L1, Code: "A01", Name: "manufacturing"})
	taxStore.AddNode(taxonomy.Node{ID: "c2", Level: taxonomy.L1, Code: "B01", Name: "finance"})
	taxStore.AddNode(taxonomy.Node{ID: "s1", Level: taxonomy.L2, ParentID: "c1", Code: "A01-1", Name: "machining"})
	taxStore.AddNode(taxonomy.Node{ID: "s2", Level: taxonomy.L2, ParentID: "c2", Code: "B01-1", Name: "lending"})
	taxStore.AddNode(taxonomy.Node{ID: "p1", Level: taxonomy.L3, ParentID: "s1", Code: "A01-1-1", Name: "cnc"})
	taxStore.AddNode(taxonomy.Node{ID: "n1", Level: taxonomy.L4, ParentID: "p1", Code: "A01-1-1-1", Name: "swap"})
	taxStore.AddRule(taxonomy.Rule{ID: "allow-1", Kind: taxonomy.RuleAllow, L1: "c1"})

	trail := audit.NewLog()
	gov, err := governor.New(taxStore, trail, nil)
	require.NoError(t, err)

	queue := approval.NewQueue(approval.NewMemoryStore(), nil)

	replier := &recordingReplier{}
	registry := platform.NewRegistry()
	registry.RegisterReplier(replier)

	surface := config.DefaultSurface()
	surface.Approvers = []config.ApproverChannel{{Platform: "telegram", UserID: "200"}}

	f := &fixture{trail: trail, queue: queue, replier: replier}
	f.dispatcher = New(Config{
		Resolver: identity.NewResolver(bindings, 0, nil),
		Limiter:  ratelimit.NewLimiter(nil, nil),
		Parser:   command.NewParser(command.DefaultAliases()),
		Surface:  surface,
		Governor: gov,
		Queue:    queue,
		Trail:    trail,
		Registry: registry,
		Executor: ExecutorFunc(func(ctx context.Context, cmd command.Parsed, requester identity.Result) (string, error) {
			if f.execErr != nil {
				return "", f.execErr
			}
			return fmt.Sprintf("ran %s", cmd.Command), nil
		}),
	})
	return f
}

func telegramMsg(userID, text string) *platform.Message {
	return &platform.Message{
		Platform:       identity.PlatformTelegram,
		PlatformUserID: userID,
		ChatID:         "-100",
		Text:           text,
	}
}

func TestUnboundScanDeniedBeforeRiskClassification(t *testing.T) {
	f := newFixture(t)

	reply := f.dispatcher.Dispatch(context.Background(), telegramMsg("999", "/scan example.com"))
	assert.Contains(t, reply, "Permission denied")

	entries := f.trail.Query(audit.Filter{Outcome: audit.OutcomeDenied})
	require.Len(t, entries, 1)
	assert.Equal(t, "scan", entries[0].Command)
	assert.Equal(t, 1, f.trail.Size())

	pending, err := f.queue.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLowRiskCommandExecutes(t *testing.T) {
	f := newFixture(t)

	reply := f.dispatcher.Dispatch(context.Background(), telegramMsg("300", "/status"))
	assert.Equal(t, "ran /status", reply)

	entries := f.trail.Query(audit.Filter{Outcome: audit.OutcomeExecuted})
	require.Len(t, entries, 1)
	assert.Equal(t, "user:u-1", entries[0].Identity)
}

func TestAliasReachesSameCommand(t *testing.T) {
	f := newFixture(t)

	reply := f.dispatcher.Dispatch(context.Background(), telegramMsg("300", "狀態"))
	assert.Equal(t, "ran /status", reply)
}

func TestUnknownTextGetsHelpWithoutAudit(t *testing.T) {
	f := newFixture(t)

	reply := f.dispatcher.Dispatch(context.Background(), telegramMsg("300", "what is this"))
	assert.Contains(t, reply, "Available commands")
	assert.Equal(t, 0, f.trail.Size())

	reply = f.dispatcher.Dispatch(context.Background(), telegramMsg("300", "/definitely-not-real"))
	assert.Contains(t, reply, "Available commands")
	assert.Equal(t, 0, f.trail.Size())
}

func TestRateLimitedReplyLoggedSeparately(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	store := ratelimit.NewMemoryStore().WithClock(func() time.Time { return now })
	f.dispatcher.limiter = ratelimit.NewLimiter(store, nil)
	f.dispatcher.defaultCooldown = 5 * time.Second

	first := f.dispatcher.Dispatch(context.Background(), telegramMsg("300", "/help"))
	assert.Contains(t, first, "Available commands")

	second := f.dispatcher.Dispatch(context.Background(), telegramMsg("300", "/help"))
	assert.Contains(t, second, "Retry in")

	// Governance trail untouched; the rejection lives in the rate trail.
	assert.Equal(t, 0, f.trail.Size())
	assert.Equal(t, 1, f.dispatcher.RateTrail().Size())
}

func TestHighRiskCommandQueuedAndApproversNotified(t *testing.T) {
	f := newFixture(t)

	reply := f.dispatcher.Dispatch(context.Background(), telegramMsg("100", "/refund order-77"))
	assert.Contains(t, reply, "Queued, pending approval")
	assert.Contains(t, reply, "Code: ")

	entries := f.trail.Query(audit.Filter{Outcome: audit.OutcomeQueued})
	require.Len(t, entries, 1)
	assert.Equal(t, "refund", entries[0].Command)
	assert.Equal(t, "pending", entries[0].ApprovalStatus)

	require.Len(t, f.replier.pushes, 1)
	assert.Contains(t, f.replier.pushes[0], "200: ")
	assert.Contains(t, f.replier.pushes[0], "/refund")
}

func TestApproveRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, telegramMsg("100", "/refund order-77"))
	pending, err := f.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	code := pending[0].ApprovalCode

	reply := f.dispatcher.Dispatch(ctx, telegramMsg("200", "/approve "+code+" verified"))
	assert.Contains(t, reply, "Approved /refund")
	assert.Contains(t, reply, code)

	queued := f.trail.Query(audit.Filter{Outcome: audit.OutcomeQueued})
	executed := f.trail.Query(audit.Filter{Outcome: audit.OutcomeExecuted})
	require.Len(t, queued, 1)
	require.Len(t, executed, 1)
	assert.True(t, queued[0].Sequence < executed[0].Sequence)
	assert.Equal(t, "approved", executed[0].ApprovalStatus)

	// Requester heard back.
	found := false
	for _, push := range f.replier.pushes {
		if strings.Contains(push, "100: ") && strings.Contains(push, "approved") {
			found = true
		}
	}
	assert.True(t, found, "requester notification missing: %v", f.replier.pushes)
}

func TestRejectRoundTripHasNoExecutedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, telegramMsg("100", "/refund order-77"))
	pending, err := f.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	code := pending[0].ApprovalCode

	reply := f.dispatcher.Dispatch(ctx, telegramMsg("200", "/reject "+code+" not verified"))
	assert.Contains(t, reply, "Rejected /refund")

	assert.Len(t, f.trail.Query(audit.Filter{Outcome: audit.OutcomeQueued}), 1)
	assert.Len(t, f.trail.Query(audit.Filter{Outcome: audit.OutcomeRejected}), 1)
	assert.Empty(t, f.trail.Query(audit.Filter{Outcome: audit.OutcomeExecuted}))
}

func TestApproveByUserLevelDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, telegramMsg("100", "/refund order-77"))
	pending, _ := f.queue.ListPending(ctx)
	require.Len(t, pending, 1)

	reply := f.dispatcher.Dispatch(ctx, telegramMsg("300", "/approve "+pending[0].ApprovalCode))
	assert.Contains(t, reply, "Permission denied")

	// Still pending, still decidable.
	pending, _ = f.queue.ListPending(ctx)
	assert.Len(t, pending, 1)
}

func TestApproveUnknownCode(t *testing.T) {
	f := newFixture(t)
	reply := f.dispatcher.Dispatch(context.Background(), telegramMsg("200", "/approve ZZZZZZ"))
	assert.Contains(t, reply, "No approval request matches")
}

func TestApproveTwiceReportsDecided(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, telegramMsg("100", "/refund order-77"))
	pending, _ := f.queue.ListPending(ctx)
	require.Len(t, pending, 1)
	code := pending[0].ApprovalCode

	f.dispatcher.Dispatch(ctx, telegramMsg("200", "/approve "+code))
	reply := f.dispatcher.Dispatch(ctx, telegramMsg("200", "/approve "+code))
	assert.Contains(t, reply, "already approved")
}

func TestPendingListShowsCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, telegramMsg("100", "/refund order-77"))
	pending, _ := f.queue.ListPending(ctx)
	require.Len(t, pending, 1)

	reply := f.dispatcher.Dispatch(ctx, telegramMsg("200", "/pending"))
	assert.Contains(t, reply, pending[0].ApprovalCode)
	assert.Contains(t, reply, "/refund")
}

func TestPathCheckAllowed(t *testing.T) {
	f := newFixture(t)
	reply := f.dispatcher.Dispatch(context.Background(),
		telegramMsg("300", "/path check c1 s1 p1 n1"))
	assert.Contains(t, reply, "allowed")
}

func TestPathCheckDriftReportsHalted(t *testing.T) {
	f := newFixture(t)
	reply := f.dispatcher.Dispatch(context.Background(),
		telegramMsg("300", "/path check c1 s2 p1 n1"))
	assert.Contains(t, reply, "halted")
	assert.Contains(t, reply, "L2")
}

func TestExecutorFailureGetsGenericReply(t *testing.T) {
	f := newFixture(t)
	f.execErr = errors.New("backend exploded")

	reply := f.dispatcher.Dispatch(context.Background(), telegramMsg("300", "/status"))
	assert.Equal(t, genericErrorReply, reply)
	assert.NotContains(t, reply, "exploded")

	entries := f.trail.Query(audit.Filter{Outcome: audit.OutcomeDenied})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityError, entries[0].Severity)
}
