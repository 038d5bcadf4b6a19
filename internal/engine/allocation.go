package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"civicplan/internal/audit"
	"civicplan/internal/domain"
)

// AllocationResult reports the portfolio decisions of one pass.
type AllocationResult struct {
	Approved        []domain.PortfolioDecision `json:"approved"`
	Rejected        []domain.PortfolioDecision `json:"rejected"`
	TotalAllocated  float64                    `json:"total_allocated"`
	BudgetRemaining float64                    `json:"budget_remaining"`
}

type rankedCandidate struct {
	domain.ProjectCandidate
	legalMandate bool
	density      float64
}

// valueDensity is risk points per $1M spent. Zero-cost candidates sort
// ahead of everything.
func valueDensity(riskScore, cost float64) float64 {
	if cost <= 0 {
		return math.Inf(1)
	}
	return riskScore / (cost / 1_000_000)
}

// allocatePortfolio runs the two-phase greedy selection: legal mandates
// first in encounter order, then remaining candidates by value density
// descending. Every candidate receives exactly one decision.
func (e Engine) allocatePortfolio(ctx context.Context, runID string, budget float64) (AllocationResult, error) {
	candidates, err := e.Repo.ListCandidates(ctx)
	if err != nil {
		return AllocationResult{}, err
	}
	issues, err := e.Repo.ListOpenIssues(ctx)
	if err != nil {
		return AllocationResult{}, err
	}
	mandates := map[int64]bool{}
	for _, issue := range issues {
		mandates[issue.ID] = issue.Signal.LegalMandate
	}

	ranked := make([]rankedCandidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = rankedCandidate{
			ProjectCandidate: c,
			legalMandate:     mandates[c.IssueID],
			density:          valueDensity(c.RiskScore, c.EstimatedCost),
		}
	}

	remaining := budget
	selected := map[int64]bool{}
	var approved []rankedCandidate

	// Phase 1: mandates in encounter order. A mandate that does not fit
	// the remaining budget is infeasible this quarter, not an error.
	for _, c := range ranked {
		if !c.legalMandate {
			continue
		}
		if c.EstimatedCost <= remaining {
			approved = append(approved, c)
			selected[c.ProjectID] = true
			remaining -= c.EstimatedCost
		}
	}

	// Phase 2: remaining candidates by density, ties by original order.
	rest := make([]rankedCandidate, 0, len(ranked))
	for _, c := range ranked {
		if !selected[c.ProjectID] {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].density > rest[j].density })
	for _, c := range rest {
		if c.EstimatedCost <= remaining {
			approved = append(approved, c)
			selected[c.ProjectID] = true
			remaining -= c.EstimatedCost
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AllocationResult{}, err
	}
	defer tx.Rollback()

	res := AllocationResult{TotalAllocated: budget - remaining, BudgetRemaining: remaining}
	decidedAt := e.now().UTC().Format(time.RFC3339)

	for rank, c := range approved {
		rationale := fmt.Sprintf("Selected by value density %.2f risk points per $1M", c.density)
		if c.legalMandate {
			rationale = "Legal mandate; cost fits remaining budget"
		}
		d := domain.PortfolioDecision{
			ProjectID:       c.ProjectID,
			Decision:        domain.DecisionApproved,
			AllocatedBudget: c.EstimatedCost,
			PriorityRank:    rank + 1,
			Rationale:       rationale,
			DecidedAt:       decidedAt,
		}
		if d.DecisionID, err = e.Repo.InsertDecision(ctx, tx, d); err != nil {
			return res, fmt.Errorf("insert approval for project %d: %w", c.ProjectID, err)
		}
		err = e.Audit.Append(ctx, tx, "PROJECT_APPROVED", string(StageAllocation), audit.Payload{
			"run_id":           runID,
			"project_id":       c.ProjectID,
			"allocated_budget": d.AllocatedBudget,
			"priority_rank":    d.PriorityRank,
			"rationale":        d.Rationale,
		})
		if err != nil {
			return res, err
		}
		res.Approved = append(res.Approved, d)
	}

	for _, c := range ranked {
		if selected[c.ProjectID] {
			continue
		}
		rationale := "Budget exhausted after higher-priority selections"
		if c.legalMandate {
			rationale = "Legal mandate exceeds remaining budget; infeasible this quarter"
		}
		d := domain.PortfolioDecision{
			ProjectID:       c.ProjectID,
			Decision:        domain.DecisionRejected,
			AllocatedBudget: 0,
			PriorityRank:    domain.RejectedRank,
			Rationale:       rationale,
			DecidedAt:       decidedAt,
		}
		if d.DecisionID, err = e.Repo.InsertDecision(ctx, tx, d); err != nil {
			return res, fmt.Errorf("insert rejection for project %d: %w", c.ProjectID, err)
		}
		err = e.Audit.Append(ctx, tx, "PROJECT_REJECTED", string(StageAllocation), audit.Payload{
			"run_id":     runID,
			"project_id": c.ProjectID,
			"rationale":  d.Rationale,
		})
		if err != nil {
			return res, err
		}
		res.Rejected = append(res.Rejected, d)
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}
