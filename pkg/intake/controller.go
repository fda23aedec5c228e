// Package intake runs the referral intake state machine: one conversation
// turn at a time per case, with screens, a turn budget, oracle decisions
// checked against the sub-state table, provider identity resolution and
// strict checklist ordering.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zen-systems/referralgate/pkg/evidence"
	"github.com/zen-systems/referralgate/pkg/identity"
	"github.com/zen-systems/referralgate/pkg/logging"
	"github.com/zen-systems/referralgate/pkg/oracle"
	"github.com/zen-systems/referralgate/pkg/referral"
	"github.com/zen-systems/referralgate/pkg/screen"
	"github.com/zen-systems/referralgate/pkg/store"
)

// Defaults.
const (
	DefaultMaxTurns           = 10
	DefaultMaxToolRounds      = 2
	DefaultMaxConcurrentTurns = 16
)

// User-facing texts the controller produces on its own.
const (
	EmergencyText = "If this is a medical emergency, call 911 or go to the nearest emergency room now. " +
		"This referral cannot continue here."
	DeferralText = "We were not able to finish this referral within the allowed number of messages. " +
		"A member of our staff will follow up, or you can call the office directly."
	ProcessingErrorText = "I apologize, but I encountered an error processing your request. " +
		"Please try again or contact support if the issue persists."
	CancelText           = "Understood. The referral has been canceled."
	OutOfScopeText       = "I can only help with new patient referrals. This conversation has been closed."
	VerificationHoldText = "I'm still verifying the referring provider. Could you confirm their NPI or the city and state of their practice?"
)

var (
	// ErrEmptyUtterance is returned for blank inbound text.
	ErrEmptyUtterance = errors.New("intake: empty utterance")
	// ErrCaseNotFound is returned by Get and Cancel for unknown conversations.
	ErrCaseNotFound = store.ErrNotFound
)

// Resolver is the identity resolution surface the controller needs.
type Resolver interface {
	Resolve(ctx context.Context, req identity.Request) (referral.ResolutionOutcome, error)
}

// Recorder persists per-turn evidence.
type Recorder interface {
	WriteTurn(rec evidence.TurnRecord) error
}

// Controller processes turns. It is safe for concurrent use; turns for the
// same conversation run one at a time.
type Controller struct {
	oracle    oracle.Oracle
	store     store.CaseStore
	resolver  Resolver
	screens   *screen.Screens
	recorder  Recorder
	logger    *zap.Logger
	progress  ProgressFunc
	prompt    oracle.PromptOptions
	now       func() time.Time
	maxTurns  int
	toolLimit int

	sem     *semaphore.Weighted
	locks   *caseLocks
	cancels *cancelFlags
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore sets the case store. The default is an in-memory store.
func WithStore(s store.CaseStore) Option {
	return func(c *Controller) { c.store = s }
}

// WithResolver sets the identity resolver. Without one every lookup falls
// back to manual confirmation.
func WithResolver(r Resolver) Option {
	return func(c *Controller) { c.resolver = r }
}

// WithScreens replaces the default phrase screens.
func WithScreens(s *screen.Screens) Option {
	return func(c *Controller) { c.screens = s }
}

// WithRecorder enables per-turn evidence.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Controller) { c.progress = fn }
}

// WithPromptOptions sets the static prompt settings.
func WithPromptOptions(p oracle.PromptOptions) Option {
	return func(c *Controller) { c.prompt = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMaxTurns sets the turn budget.
func WithMaxTurns(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

// WithMaxToolRounds bounds tool calls per turn.
func WithMaxToolRounds(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.toolLimit = n
		}
	}
}

// WithMaxConcurrentTurns bounds turns running at once across all cases.
func WithMaxConcurrentTurns(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates a controller around o.
func New(o oracle.Oracle, opts ...Option) (*Controller, error) {
	if o == nil {
		return nil, errors.New("intake: oracle is required")
	}
	c := &Controller{
		oracle:    o,
		maxTurns:  DefaultMaxTurns,
		toolLimit: DefaultMaxToolRounds,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newCaseLocks(),
		cancels:   newCancelFlags(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = store.NewMemoryStore()
	}
	if c.screens == nil {
		c.screens = screen.Default()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.sem == nil {
		c.sem = semaphore.NewWeighted(DefaultMaxConcurrentTurns)
	}
	if c.prompt.MaxTurns == 0 {
		c.prompt.MaxTurns = c.maxTurns
	}
	return c, nil
}

// MaxTurns returns the configured turn budget.
func (c *Controller) MaxTurns() int {
	return c.maxTurns
}

// Open creates and stores a new case.
func (c *Controller) Open(ctx context.Context) (*referral.Case, error) {
	cs := referral.New(uuid.New().String(), c.now())
	if err := c.store.Save(ctx, cs); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}
	c.logger.Info("case opened", zap.String("conversation_id", cs.ConversationID), zap.String("case_id", cs.ID))
	return cs.Clone(), nil
}

// Get returns the stored case for conversationID.
func (c *Controller) Get(ctx context.Context, conversationID string) (*referral.Case, error) {
	return c.store.Load(ctx, conversationID)
}

// Ping checks the store.
func (c *Controller) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// CaseCounts tallies stored cases by task state. It returns nil when the
// store cannot count.
func (c *Controller) CaseCounts(ctx context.Context) (map[referral.TaskState]int, error) {
	counter, ok := c.store.(store.Counter)
	if !ok {
		return nil, nil
	}
	return counter.CountByTaskState(ctx)
}

// Cancel ends a case at the next turn boundary. If a turn is in flight it
// completes, its result is discarded and the case is forced to Canceled.
func (c *Controller) Cancel(ctx context.Context, conversationID string) (*TurnResult, error) {
	c.cancels.set(conversationID)
	release, err := c.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()
	c.cancels.take(conversationID)

	cs, err := c.store.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if cs.Terminal() {
		return resultFor(cs, lastReply(cs), nil), nil
	}
	now := c.now()
	if err := cs.Force(referral.TaskCanceled, referral.ReasonUserCanceled, now); err != nil {
		return nil, err
	}
	cs.Reply(CancelText, now)
	if err := c.store.Save(ctx, cs); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}
	c.record(evidence.TurnRecord{
		ConversationID: cs.ConversationID,
		Turn:           cs.TurnCount,
		Timestamp:      now,
		Screen:         &evidence.ScreenRecord{Kind: "external-cancel"},
		SubState:       string(cs.SubState),
		TaskState:      string(cs.TaskState),
		TerminalReason: string(cs.TerminalReason),
	})
	caseLogger(c.logger, cs).Info("case canceled")
	return resultFor(cs, CancelText, nil), nil
}

// HandleTurn processes one inbound utterance. An empty conversationID
// starts a new case. Turns on a terminal case return its final state
// unchanged.
func (c *Controller) HandleTurn(ctx context.Context, conversationID, text string) (*TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyUtterance
	}
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	release, err := c.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	cs, err := c.store.Load(ctx, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cs = referral.New(conversationID, c.now())
	case err != nil:
		return nil, fmt.Errorf("load case: %w", err)
	}
	if cs.Terminal() {
		return resultFor(cs, lastReply(cs), nil), nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	t := &turn{
		ctrl:   c,
		cs:     cs,
		text:   text,
		now:    c.now(),
		start:  time.Now(),
		logger: caseLogger(c.logger, cs),
	}
	return t.run(ctx)
}

func (c *Controller) emit(conversationID string, ev ProgressEvent) {
	if c.progress != nil {
		c.progress(conversationID, ev)
	}
}

func (c *Controller) record(rec evidence.TurnRecord) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.WriteTurn(rec); err != nil {
		c.logger.Warn("evidence write failed",
			zap.String("conversation_id", rec.ConversationID),
			zap.Int("turn", rec.Turn),
			zap.Error(err))
	}
}

func caseLogger(l *zap.Logger, cs *referral.Case) *zap.Logger {
	return logging.Conversation(l, cs.ConversationID).With(zap.String("case_id", cs.ID))
}
