package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/referralgate/pkg/decision"
	"github.com/zen-systems/referralgate/pkg/evidence"
	"github.com/zen-systems/referralgate/pkg/identity"
	"github.com/zen-systems/referralgate/pkg/oracle"
	"github.com/zen-systems/referralgate/pkg/referral"
	"github.com/zen-systems/referralgate/pkg/registry"
	"github.com/zen-systems/referralgate/pkg/repair"
	"github.com/zen-systems/referralgate/pkg/screen"
)

var errOracleFailed = errors.New("intake: oracle failed")

// Attempt kinds recorded in evidence.
const (
	attemptDecide = "decide"
	attemptRetry  = "retry"
	attemptRepair = "repair"
	attemptTool   = "tool"
)

// turn holds the working state of one HandleTurn call. The case is a
// private copy until finish saves it.
type turn struct {
	ctrl   *Controller
	cs     *referral.Case
	text   string
	now    time.Time
	start  time.Time
	logger *zap.Logger

	rec        evidence.TurnRecord
	events     []ProgressEvent
	resolved   bool
	lastResult string
}

func (t *turn) run(ctx context.Context) (*TurnResult, error) {
	c, cs := t.ctrl, t.cs
	t.rec = evidence.TurnRecord{
		ConversationID: cs.ConversationID,
		Timestamp:      t.now,
		UtteranceHash:  evidence.Hash(t.text),
	}

	if hit, ok := c.screens.Emergency(t.text); ok {
		cs.AppendUtterance(t.text, t.now)
		t.rec.Turn = cs.TurnCount
		t.screened(hit)
		if err := cs.Transition(referral.SubEmergency, t.now); err != nil {
			return nil, err
		}
		return t.finish(ctx, EmergencyText)
	}

	cs.BeginTurn(t.text, t.now)
	t.rec.Turn = cs.TurnCount
	t.logger = t.logger.With(zap.Int("turn", cs.TurnCount))

	if cs.TurnCount > c.maxTurns {
		t.logger.Warn("turn budget exceeded", zap.Int("max_turns", c.maxTurns))
		if err := cs.Force(referral.TaskFailed, referral.ReasonTurnBudget, t.now); err != nil {
			return nil, err
		}
		return t.finish(ctx, DeferralText)
	}

	if hit, ok := c.screens.Cancel(t.text); ok {
		t.screened(hit)
		if err := cs.Transition(referral.SubUserCanceled, t.now); err != nil {
			return nil, err
		}
		return t.finish(ctx, CancelText)
	}
	if hit, ok := c.screens.OutOfScope(t.text); ok {
		t.screened(hit)
		if err := cs.Transition(referral.SubOutOfScope, t.now); err != nil {
			return nil, err
		}
		return t.finish(ctx, OutOfScopeText)
	}

	dec, err := t.decide(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if c.cancels.take(cs.ConversationID) {
		t.logger.Info("cancel honored at turn boundary, discarding decision")
		if err := cs.Force(referral.TaskCanceled, referral.ReasonUserCanceled, t.now); err != nil {
			return nil, err
		}
		return t.finish(ctx, CancelText)
	}

	switch {
	case errors.Is(err, errOracleFailed):
		t.logger.Error("oracle failed twice", zap.Error(err))
		if err := cs.Force(referral.TaskFailed, referral.ReasonProcessingError, t.now); err != nil {
			return nil, err
		}
		return t.finish(ctx, ProcessingErrorText)
	case errors.Is(err, decision.ErrExtraction):
		// Recoverable: the case keeps its state and the user may retry.
		t.logger.Warn("no usable decision after repair", zap.Error(err))
		return t.finish(ctx, ProcessingErrorText)
	case err != nil:
		return nil, err
	}
	return t.apply(ctx, dec)
}

// decide runs the oracle until it yields a usable decision: one fresh retry
// on transport failure, one repair re-ask on extraction or validation
// errors, and up to the configured number of tool rounds.
func (t *turn) decide(ctx context.Context) (*decision.Record, error) {
	c := t.ctrl
	req := oracle.Build(t.cs, c.prompt)
	kind := attemptDecide
	rounds := 0
	retried, repaired := false, false

	for attempt := 1; ; attempt++ {
		ar := evidence.AttemptRecord{Attempt: attempt, Kind: kind}
		began := time.Now()
		reply, err := c.oracle.Invoke(ctx, req)
		ar.DurationMillis = time.Since(began).Milliseconds()

		if err != nil {
			ar.Error = err.Error()
			t.rec.Attempts = append(t.rec.Attempts, ar)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if retried {
				return nil, fmt.Errorf("%w: %v", errOracleFailed, err)
			}
			retried = true
			t.logger.Warn("oracle call failed, retrying with fresh context", zap.Error(err), zap.Int("attempt", attempt))
			t.event(EventRetrying, "Retrying the request.")
			req = oracle.Build(t.cs, c.prompt)
			kind = attemptRetry
			continue
		}

		ar.Adapter = reply.Report.Adapter
		ar.Model = reply.Report.Model
		ar.PromptHash = reply.PromptHash
		ar.OutputHash = evidence.Hash(reply.Text)

		rec, vs, err := decision.Decide(reply.Text)
		if err != nil {
			ar.Error = err.Error()
			t.rec.Attempts = append(t.rec.Attempts, ar)
			if repaired {
				return nil, err
			}
			repaired = true
			t.logger.Warn("decision extraction failed, asking again", zap.Error(err), zap.Int("attempt", attempt))
			t.event(EventRepairing, "Re-checking the last answer.")
			req = oracle.Continue(req, reply.Text, repair.ExtractionPrompt(reply.Text, err))
			kind = attemptRepair
			continue
		}
		ar.Source = rec.Source
		ar.Violations = toEvidence(vs)
		t.rec.Attempts = append(t.rec.Attempts, ar)

		if decision.HasErrors(vs) && !repaired {
			repaired = true
			t.logger.Info("decision failed validation, asking again", zap.Int("violations", len(vs)))
			t.event(EventRepairing, "Re-checking the last answer.")
			req = oracle.Continue(req, reply.Text, repair.ViolationPrompt(reply.Text, vs))
			kind = attemptRepair
			continue
		}
		t.rec.Violations = append(t.rec.Violations, toEvidence(vs)...)

		if rec.ToolCall != nil && rounds < c.toolLimit {
			rounds++
			result, err := t.callTool(ctx, rec.ToolCall)
			if err != nil {
				return nil, err
			}
			req = oracle.Continue(req, reply.Text, result)
			kind = attemptTool
			continue
		}
		if rec.ToolCall != nil {
			t.logger.Warn("tool round limit reached", zap.Int("rounds", rounds))
			rec.ToolCall = nil
			if rec.ResponseText == "" {
				rec.SubState = referral.SubVerificationPending
				rec.TaskState = referral.TaskStateFor(rec.SubState)
				rec.ResponseText = VerificationHoldText
			}
		}

		if err := t.followUp(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
}

func (t *turn) callTool(ctx context.Context, tc *decision.ToolCall) (string, error) {
	claim, err := tc.ResolveArguments()
	if err != nil {
		return fmt.Sprintf("Tool %s failed: %v. Ask the user for the provider's first and last name.", tc.Name, err), nil
	}
	if t.resolved && t.lastResult != "" && t.cs.LastClaim != nil && t.cs.LastClaim.Equal(claim) {
		return t.lastResult, nil
	}
	result, err := t.resolve(ctx, claim)
	if err != nil {
		return "", err
	}
	t.lastResult = result
	return result, nil
}

// followUp runs resolution for a provider claim that is new to the case, or
// for a verification the oracle left pending with nothing usable on file.
// The outcome is context for the next oracle call only.
func (t *turn) followUp(ctx context.Context, rec *decision.Record) error {
	cs := t.cs
	if rec.TaskState.Terminal() {
		return nil
	}
	if claim := rec.ProviderClaim; claim != nil && !claim.Empty() {
		alreadyVerified := cs.Provider != nil && claim.Identifier != "" && claim.Identifier == cs.Provider.Identifier
		if (cs.LastClaim == nil || !cs.LastClaim.Equal(*claim)) && !alreadyVerified {
			_, err := t.resolve(ctx, *claim)
			return err
		}
	}
	if rec.SubState != referral.SubVerificationPending || t.resolved || cs.Provider != nil {
		return nil
	}
	if cs.Pending != nil && cs.Pending.Kind != referral.ResolutionManualConfirmation {
		return nil
	}
	claim := cs.LastClaim
	if rec.ProviderClaim != nil && !rec.ProviderClaim.Empty() {
		claim = rec.ProviderClaim
	}
	if claim == nil {
		return nil
	}
	_, err := t.resolve(ctx, *claim)
	return err
}

// resolve runs identity resolution for claim, folds the outcome into the
// case and returns the tool result text. Only caller cancellation is
// returned as an error.
func (t *turn) resolve(ctx context.Context, claim referral.ProviderClaim) (string, error) {
	c, cs := t.ctrl, t.cs
	t.resolved = true
	t.event(EventResolvingProvider, "Looking up the referring provider...")
	claimCopy := claim
	cs.LastClaim = &claimCopy

	var out referral.ResolutionOutcome
	var resolveErr error
	if c.resolver == nil {
		out = manualConfirmation(claim)
	} else {
		o, err := c.resolver.Resolve(ctx, identity.FromClaim(claim))
		switch {
		case err == nil:
			out = o
		case ctx.Err() != nil:
			return "", ctx.Err()
		case registry.IsValidation(err):
			t.rec.Resolution = &evidence.ResolutionRecord{Kind: "invalid-query", Error: err.Error()}
			return fmt.Sprintf("Tool %s could not run: %v. Ask the user for the missing details.", decision.ToolResolveProvider, err), nil
		default:
			t.logger.Warn("registry unavailable, falling back to manual confirmation", zap.Error(err))
			out = manualConfirmation(claim)
			resolveErr = err
		}
	}

	if cand, ok := out.Resolved(); ok {
		cs.Verify(cand)
	} else {
		pending := out
		cs.Pending = &pending
	}
	t.rec.Resolution = resolutionRecord(out, resolveErr)
	t.logger.Info("provider resolution folded into case",
		zap.String("kind", string(out.Kind)),
		zap.Int("result_count", out.ResultCount))

	return fmt.Sprintf("Result of %s:\n%s\nTell the user what the lookup found before asking for anything else.",
		decision.ToolResolveProvider, out.Summary()), nil
}

func manualConfirmation(claim referral.ProviderClaim) referral.ResolutionOutcome {
	return referral.ResolutionOutcome{
		Kind:              referral.ResolutionManualConfirmation,
		ClaimedIdentifier: claim.Identifier,
		Query:             claim,
		Message: "The provider registry cannot be reached right now, so the provider cannot be verified. " +
			"Ask the user to confirm the provider's full name and NPI; verification will be retried on a later turn.",
	}
}

// apply records collected fields, enforces checklist ordering and moves
// the case to the decision's sub-state.
func (t *turn) apply(ctx context.Context, dec *decision.Record) (*TurnResult, error) {
	cs := t.cs
	for _, k := range cs.RecordFields(dec.Collected) {
		t.rec.Violations = append(t.rec.Violations, evidence.Violation{
			Rule:     "field_rejected",
			Severity: decision.SeverityWarning,
			Message:  fmt.Sprintf("collected field %q was not recorded", k),
			Field:    k,
		})
	}

	sub, text := dec.SubState, dec.ResponseText
	if cat, reason, ok := t.outOfOrder(dec); ok {
		t.logger.Info("turn downgraded", zap.String("reason", reason), zap.String("category", string(cat)))
		t.rec.Downgraded = true
		t.rec.Violations = append(t.rec.Violations, evidence.Violation{
			Rule:     "checklist_order",
			Severity: decision.SeverityError,
			Message:  reason,
			Field:    "focus",
		})
		sub = referral.SubNeedProviderInfo
		text = repair.OrderingPrompt(string(cat), missingFields(cs, cat))
	}

	if err := cs.Transition(sub, t.now); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		text = fallbackText(cs)
	}
	return t.finish(ctx, text)
}

// outOfOrder reports the category the turn must ask for instead when the
// decision completes an unfinished checklist or focuses past a category
// that is still pending.
func (t *turn) outOfOrder(dec *decision.Record) (referral.Category, string, bool) {
	cl := t.cs.Checklist
	first, incomplete := cl.FirstIncomplete()
	if !incomplete {
		return "", "", false
	}
	if dec.SubState == referral.SubComplete {
		return first, fmt.Sprintf("complete while %s is %s", first, cl.Status(first)), true
	}
	if dec.TaskState.Terminal() || dec.Focus == "" {
		return "", "", false
	}
	for _, cat := range referral.Categories {
		if cat.Index() >= dec.Focus.Index() {
			break
		}
		if cl.Status(cat) == referral.StatusPending {
			return cat, fmt.Sprintf("focus %s while %s is pending", dec.Focus, cat), true
		}
	}
	return "", "", false
}

func (t *turn) finish(ctx context.Context, text string) (*TurnResult, error) {
	c, cs := t.ctrl, t.cs
	cs.Reply(text, t.now)
	if err := c.store.Save(ctx, cs); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}

	t.rec.SubState = string(cs.SubState)
	t.rec.TaskState = string(cs.TaskState)
	t.rec.TerminalReason = string(cs.TerminalReason)
	t.rec.Checklist = make(map[string]string, len(cs.Checklist))
	for _, e := range cs.Checklist {
		t.rec.Checklist[string(e.Category)] = string(e.Status)
	}
	t.rec.DurationMillis = time.Since(t.start).Milliseconds()
	c.record(t.rec)

	t.logger.Info("turn complete",
		zap.String("sub_state", string(cs.SubState)),
		zap.String("task_state", string(cs.TaskState)),
		zap.Int("attempts", len(t.rec.Attempts)),
		zap.Bool("downgraded", t.rec.Downgraded))
	return resultFor(cs, text, t.events), nil
}

func (t *turn) screened(hit screen.Hit) {
	t.rec.Screen = &evidence.ScreenRecord{Kind: string(hit.Kind), Phrase: hit.Phrase}
	t.logger.Info("utterance screened", zap.String("screen", string(hit.Kind)), zap.String("phrase", hit.Phrase))
}

func (t *turn) event(kind, msg string) {
	ev := ProgressEvent{Kind: kind, Message: msg, At: time.Now().UTC()}
	t.events = append(t.events, ev)
	t.ctrl.emit(t.cs.ConversationID, ev)
}

func missingFields(cs *referral.Case, cat referral.Category) []string {
	var out []string
	for _, f := range referral.RequiredFields(cat) {
		if cs.Fields[f] == "" {
			out = append(out, f)
		}
	}
	return out
}

func fallbackText(cs *referral.Case) string {
	switch cs.TaskState {
	case referral.TaskCompleted:
		return "Thank you. The referral is complete."
	case referral.TaskFailed:
		if cs.TerminalReason == referral.ReasonEmergency {
			return EmergencyText
		}
		return ProcessingErrorText
	case referral.TaskCanceled:
		return CancelText
	case referral.TaskRejected:
		if cs.TerminalReason == referral.ReasonOutOfScope {
			return OutOfScopeText
		}
		return "This referral request cannot be processed."
	}
	if cat, ok := cs.Checklist.FirstIncomplete(); ok {
		return repair.OrderingPrompt(string(cat), missingFields(cs, cat))
	}
	return "Can you confirm the referral details are correct?"
}

func resolutionRecord(out referral.ResolutionOutcome, err error) *evidence.ResolutionRecord {
	rr := &evidence.ResolutionRecord{
		Kind:        string(out.Kind),
		ResultCount: out.ResultCount,
		Source:      out.Source,
		Refinements: out.SuggestedRefinements,
	}
	for _, c := range out.Candidates {
		rr.CandidateIDs = append(rr.CandidateIDs, c.Identifier)
	}
	if err != nil {
		rr.Error = err.Error()
	}
	return rr
}

func toEvidence(vs []decision.Violation) []evidence.Violation {
	if len(vs) == 0 {
		return nil
	}
	out := make([]evidence.Violation, len(vs))
	for i, v := range vs {
		out[i] = evidence.Violation{
			Rule:       v.Rule,
			Severity:   v.Severity,
			Message:    v.Message,
			Field:      v.Field,
			Suggestion: v.Suggestion,
		}
	}
	return out
}
