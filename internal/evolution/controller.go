// Package evolution implements the self-modification pipeline: proposals
// flow through an approval gate, approved change sets are committed as one
// batch, verified, and auto-reverted when verification fails.
package evolution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"botflow/internal/errs"
	"botflow/internal/history"
	"botflow/internal/logging"
	"botflow/internal/scheduler"
	"botflow/internal/vcs"
)

// vcsTaskID is the fixed task ID every repository mutation runs under.
// The scheduler never runs two executions of one ID concurrently, so all
// applies and rollbacks are serialized without a dedicated lock.
const vcsTaskID = "vcs"

// revertGrace bounds the automatic revert after a failed verification. The
// revert runs on a context detached from the expired or cancelled execution
// context so the recovery cannot be starved by whatever doomed the apply.
const revertGrace = 2 * time.Minute

// ApplyResult is the settled outcome of applying a proposal.
//
// RolledBack=true is a recovered failure: the commit landed, verification
// failed, and the automatic revert restored the previous state. It is
// distinct from an apply error, where either the commit never landed
// (CommitFailed) or the revert itself failed (RevertConflict).
type ApplyResult struct {
	ProposalID string `json:"proposal_id"`
	CommitID   string `json:"commit_id"`
	RolledBack bool   `json:"rolled_back"`
	Report     string `json:"report,omitempty"`
}

// Controller coordinates propose / decide / apply / rollback.
type Controller struct {
	gate     *Gate
	adapter  vcs.Adapter
	verifier Verifier
	sched    *scheduler.Scheduler
	store    *history.Store
	logger   logging.Logger
}

// New creates a controller. sched must be started before Apply or Rollback
// are called; store may be nil in which case no audit trail is kept.
func New(gate *Gate, adapter vcs.Adapter, verifier Verifier, sched *scheduler.Scheduler, store *history.Store, logger logging.Logger) *Controller {
	return &Controller{
		gate:     gate,
		adapter:  adapter,
		verifier: verifier,
		sched:    sched,
		store:    store,
		logger:   logging.OrNop(logger),
	}
}

// Propose registers a change set and returns its proposal ID immediately.
// Nothing touches the repository until the proposal is approved and applied.
func (c *Controller) Propose(ctx context.Context, actor string, changes ...vcs.CodeChange) (string, error) {
	if len(changes) == 0 {
		return "", fmt.Errorf("evolution: empty change set")
	}
	for i := range changes {
		if changes[i].TargetPath == "" {
			return "", fmt.Errorf("evolution: change %d has no target path", i)
		}
	}

	p := &Proposal{
		ID:        uuid.NewString(),
		Changes:   changes,
		CreatedAt: time.Now().UTC(),
	}
	c.gate.Add(ctx, p, actor)
	c.logger.Info("proposal %s registered with %d change(s)", p.ID, len(changes))
	return p.ID, nil
}

// Decide settles a pending proposal one way or the other. Deciding a
// proposal that is not in Proposed state fails with InvalidState.
func (c *Controller) Decide(ctx context.Context, id string, accept bool, actor string) error {
	if accept {
		return c.gate.Approve(ctx, id, actor)
	}
	return c.gate.Reject(ctx, id, actor)
}

// Get returns a snapshot of the proposal.
func (c *Controller) Get(id string) (Proposal, bool) { return c.gate.Get(id) }

// List returns snapshots of all proposals.
func (c *Controller) List() []Proposal { return c.gate.List() }

// DiffOf renders the unified diff of a proposal's change set for review.
func (c *Controller) DiffOf(id string) (string, error) {
	p, ok := c.gate.Get(id)
	if !ok {
		return "", errs.New(errs.KindInvalidState, "unknown proposal "+id, nil)
	}
	return c.renderDiff(p.Changes), nil
}

// Apply commits an Approved proposal, runs verification, and auto-reverts
// on a failed verdict. It blocks until the apply settles or ctx expires;
// the repository mutation itself runs on the scheduler under the fixed
// vcs task ID, so concurrent applies execute one at a time.
func (c *Controller) Apply(ctx context.Context, id, actor string) (ApplyResult, error) {
	p, err := c.gate.BeginApply(id)
	if err != nil {
		return ApplyResult{}, err
	}

	type outcome struct {
		result ApplyResult
		err    error
	}
	done := make(chan outcome, 1)

	task := &scheduler.Task{
		ID:       vcsTaskID,
		Name:     "apply_proposal_" + id,
		Priority: scheduler.PriorityUrgent,
		// The commit / verify / revert sequence carries its own bounds (the
		// verifier's budget, revertGrace); the scheduler-wide action timeout
		// is sized for message handling and would cut verification short.
		Timeout: scheduler.NoTimeout,
		Action: func(taskCtx context.Context) error {
			result, applyErr := c.applyCommitted(taskCtx, p, actor)
			done <- outcome{result: result, err: applyErr}
			// The outcome is delivered above; surfacing applyErr here would
			// hand a non-retryable failure to the retry policy.
			return nil
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := c.sched.Submit(task); err != nil {
		return ApplyResult{}, err
	}

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return ApplyResult{}, ctx.Err()
	}
}

// applyCommitted performs the commit / verify / maybe-revert sequence for
// an already-validated proposal snapshot. Runs on a scheduler worker.
func (c *Controller) applyCommitted(ctx context.Context, p Proposal, actor string) (ApplyResult, error) {
	c.audit(ctx, p.ID, "apply_started", actor, c.renderDiff(p.Changes))

	message := commitMessage(p)
	commitID, err := c.adapter.Commit(ctx, p.Changes, message)
	if err != nil {
		// Nothing landed; the proposal stays Approved and may be retried.
		c.audit(ctx, p.ID, "apply_failed", actor, err.Error())
		c.gate.EndApply(p.ID)
		return ApplyResult{ProposalID: p.ID}, err
	}

	passed, report, verr := c.verifier.Verify(ctx)
	if verr != nil {
		passed = false
		report = "verifier unrunnable: " + verr.Error()
	}

	if passed {
		if err := c.gate.MarkApplied(ctx, p.ID, commitID, actor); err != nil {
			c.gate.EndApply(p.ID)
			return ApplyResult{ProposalID: p.ID, CommitID: commitID}, err
		}
		c.logger.Info("proposal %s applied as %s", p.ID, commitID)
		return ApplyResult{ProposalID: p.ID, CommitID: commitID, Report: report}, nil
	}

	c.logger.Warn("proposal %s failed verification, reverting %s", p.ID, commitID)
	// Detach from ctx: the revert must run even when the execution context
	// is already cancelled or expired, otherwise the bad commit stays in.
	revertCtx, cancelRevert := context.WithTimeout(context.WithoutCancel(ctx), revertGrace)
	defer cancelRevert()
	if revertErr := c.adapter.Revert(revertCtx, commitID); revertErr != nil {
		// Unrecovered: the bad commit is still in place. Manual intervention.
		c.audit(ctx, p.ID, "revert_conflict", actor, revertErr.Error())
		c.gate.EndApply(p.ID)
		return ApplyResult{ProposalID: p.ID, CommitID: commitID, Report: report}, revertErr
	}

	if err := c.gate.MarkRolledBack(ctx, p.ID, commitID, actor, report); err != nil {
		c.gate.EndApply(p.ID)
		return ApplyResult{ProposalID: p.ID, CommitID: commitID}, err
	}
	return ApplyResult{ProposalID: p.ID, CommitID: commitID, RolledBack: true, Report: report}, nil
}

// Rollback reverts an arbitrary commit directly, outside any proposal. The
// revert runs on the scheduler under the vcs task ID, serialized with
// applies.
func (c *Controller) Rollback(ctx context.Context, commitID, actor string) error {
	done := make(chan error, 1)

	task := &scheduler.Task{
		ID:       vcsTaskID,
		Name:     "rollback_" + commitID,
		Priority: scheduler.PriorityUrgent,
		Timeout:  scheduler.NoTimeout,
		Action: func(taskCtx context.Context) error {
			done <- c.adapter.Revert(taskCtx, commitID)
			return nil
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := c.sched.Submit(task); err != nil {
		return err
	}

	select {
	case err := <-done:
		if err != nil {
			c.audit(ctx, "", "rollback_failed", actor, commitID+": "+err.Error())
			return err
		}
		c.audit(ctx, "", "rolled_back", actor, commitID)
		c.logger.Info("commit %s rolled back by %s", commitID, actor)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AuditTrail returns the most recent audit records, newest first.
func (c *Controller) AuditTrail(ctx context.Context, limit int) ([]history.AuditRecord, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.RecentAudit(ctx, limit)
}

func (c *Controller) renderDiff(changes []vcs.CodeChange) string {
	var b strings.Builder
	for _, change := range changes {
		b.WriteString(c.adapter.Diff(change.OldContent, change.NewContent, change.TargetPath))
	}
	return b.String()
}

// audit writes an event record outside the gate's state transitions.
func (c *Controller) audit(ctx context.Context, proposalID, event, actor, detail string) {
	if c.store == nil {
		return
	}
	rec := history.AuditRecord{
		Timestamp:  time.Now().UTC(),
		ProposalID: proposalID,
		ToState:    event,
		Actor:      actor,
		Detail:     detail,
	}
	if err := c.store.AppendAudit(ctx, rec); err != nil {
		c.logger.Error("audit append failed: %v", err)
	}
}

func commitMessage(p Proposal) string {
	if len(p.Changes) == 1 && p.Changes[0].Description != "" {
		return p.Changes[0].Description
	}
	var b strings.Builder
	fmt.Fprintf(&b, "apply proposal %s (%d changes)", p.ID, len(p.Changes))
	for _, change := range p.Changes {
		if change.Description != "" {
			b.WriteString("\n- " + change.TargetPath + ": " + change.Description)
		}
	}
	return b.String()
}
