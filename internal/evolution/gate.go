package evolution

import (
	"context"
	"sync"
	"time"

	"botflow/internal/errs"
	"botflow/internal/history"
	"botflow/internal/logging"
	"botflow/internal/vcs"
)

// State is a proposal's position in the approval lifecycle.
type State string

const (
	StateProposed          State = "proposed"
	StateApproved          State = "approved"
	StateRejected          State = "rejected"
	StateApplied           State = "applied"
	StateAppliedRolledBack State = "applied_rolled_back"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateApplied, StateAppliedRolledBack:
		return true
	}
	return false
}

// Proposal is one pending or settled change set. Owned by the gate; callers
// receive copies.
type Proposal struct {
	ID        string           `json:"id"`
	Changes   []vcs.CodeChange `json:"changes"`
	State     State            `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	DecidedAt time.Time        `json:"decided_at,omitempty"`
	CommitID  string           `json:"commit_id,omitempty"`
	Report    string           `json:"report,omitempty"`
}

// Auditor records state transitions. Append-only; never mutated.
type Auditor interface {
	AppendAudit(ctx context.Context, rec history.AuditRecord) error
}

// Gate holds pending proposals and enforces the approval state machine:
//
//	Proposed → Approved → Applied | AppliedRolledBack
//	Proposed → Rejected
//
// Approved is set only here, never by the proposer. With requireApproval
// off, every proposal auto-transitions to Approved at creation - a bypass,
// not a skip: both transitions are still recorded.
type Gate struct {
	mu              sync.Mutex
	proposals       map[string]*Proposal
	applying        map[string]bool // apply in progress, state still Approved
	requireApproval bool
	auditor         Auditor
	logger          logging.Logger
}

// NewGate creates an approval gate. auditor may be nil (no trail).
func NewGate(requireApproval bool, auditor Auditor, logger logging.Logger) *Gate {
	return &Gate{
		proposals:       make(map[string]*Proposal),
		applying:        make(map[string]bool),
		requireApproval: requireApproval,
		auditor:         auditor,
		logger:          logging.OrNop(logger),
	}
}

// Add registers a new proposal in Proposed state, auto-approving when the
// gate's policy does not require human approval.
func (g *Gate) Add(ctx context.Context, p *Proposal, actor string) {
	g.mu.Lock()
	p.State = StateProposed
	g.proposals[p.ID] = p
	g.mu.Unlock()
	g.audit(ctx, p.ID, "", StateProposed, actor, "")

	if !g.requireApproval {
		g.mu.Lock()
		p.State = StateApproved
		p.DecidedAt = time.Now().UTC()
		g.mu.Unlock()
		g.audit(ctx, p.ID, StateProposed, StateApproved, "auto", "approval not required")
	}
}

// Approve drives Proposed → Approved. Any other starting state fails with
// InvalidState.
func (g *Gate) Approve(ctx context.Context, id, actor string) error {
	return g.decide(ctx, id, actor, StateApproved)
}

// Reject drives Proposed → Rejected (terminal).
func (g *Gate) Reject(ctx context.Context, id, actor string) error {
	return g.decide(ctx, id, actor, StateRejected)
}

func (g *Gate) decide(ctx context.Context, id, actor string, to State) error {
	g.mu.Lock()
	p, ok := g.proposals[id]
	if !ok {
		g.mu.Unlock()
		return errs.New(errs.KindInvalidState, "unknown proposal "+id, nil)
	}
	if p.State != StateProposed {
		from := p.State
		g.mu.Unlock()
		return errs.New(errs.KindInvalidState,
			"proposal "+id+" is "+string(from)+", not proposed", nil)
	}
	p.State = to
	p.DecidedAt = time.Now().UTC()
	g.mu.Unlock()

	g.audit(ctx, id, StateProposed, to, actor, "")
	return nil
}

// BeginApply atomically checks that the proposal is Approved, marks it as
// having an apply in progress, and returns a snapshot of it. The state stays
// Approved until the apply settles; a second BeginApply before then fails
// with InvalidState, so one proposal can never land two commits.
func (g *Gate) BeginApply(id string) (Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.proposals[id]
	if !ok {
		return Proposal{}, errs.New(errs.KindInvalidState, "unknown proposal "+id, nil)
	}
	if p.State != StateApproved {
		return Proposal{}, errs.New(errs.KindInvalidState,
			"proposal "+id+" is "+string(p.State)+", not approved", nil)
	}
	if g.applying[id] {
		return Proposal{}, errs.New(errs.KindInvalidState,
			"proposal "+id+" apply already in progress", nil)
	}
	g.applying[id] = true
	return *p, nil
}

// EndApply releases the in-progress marker for an apply that did not settle
// the proposal (failed commit, revert conflict). The proposal stays Approved
// and may be applied again.
func (g *Gate) EndApply(id string) {
	g.mu.Lock()
	delete(g.applying, id)
	g.mu.Unlock()
}

// MarkApplied settles an Approved proposal as Applied (terminal).
func (g *Gate) MarkApplied(ctx context.Context, id, commitID, actor string) error {
	return g.settle(ctx, id, actor, StateApplied, commitID, "")
}

// MarkRolledBack settles an Approved proposal as AppliedRolledBack
// (terminal): the commit landed, verification failed, the revert succeeded.
func (g *Gate) MarkRolledBack(ctx context.Context, id, commitID, actor, report string) error {
	return g.settle(ctx, id, actor, StateAppliedRolledBack, commitID, report)
}

func (g *Gate) settle(ctx context.Context, id, actor string, to State, commitID, report string) error {
	g.mu.Lock()
	p, ok := g.proposals[id]
	if !ok {
		g.mu.Unlock()
		return errs.New(errs.KindInvalidState, "unknown proposal "+id, nil)
	}
	if p.State != StateApproved {
		from := p.State
		g.mu.Unlock()
		return errs.New(errs.KindInvalidState,
			"proposal "+id+" is "+string(from)+", not approved", nil)
	}
	p.State = to
	p.CommitID = commitID
	p.Report = report
	delete(g.applying, id)
	g.mu.Unlock()

	g.audit(ctx, id, StateApproved, to, actor, report)
	return nil
}

// Get returns a copy of the proposal, or false when unknown.
func (g *Gate) Get(id string) (Proposal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

// List returns copies of all proposals.
func (g *Gate) List() []Proposal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Proposal, 0, len(g.proposals))
	for _, p := range g.proposals {
		out = append(out, *p)
	}
	return out
}

func (g *Gate) audit(ctx context.Context, id string, from, to State, actor, detail string) {
	if g.auditor == nil {
		return
	}
	rec := history.AuditRecord{
		Timestamp:  time.Now().UTC(),
		ProposalID: id,
		FromState:  string(from),
		ToState:    string(to),
		Actor:      actor,
		Detail:     detail,
	}
	if err := g.auditor.AppendAudit(ctx, rec); err != nil {
		g.logger.Error("audit append for proposal %s failed: %v", id, err)
	}
}
