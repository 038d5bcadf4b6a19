package engine

import (
	"context"
	"fmt"
	"time"

	"civicplan/internal/audit"
	"civicplan/internal/domain"
)

// FormationResult reports what the formation stage produced.
type FormationResult struct {
	Created []domain.ProjectCandidate `json:"created"`
	Skipped int                       `json:"skipped"`
}

// riskScore is the weighted scoring rule: a pure function of the signal
// and config.
func (e Engine) riskScore(s domain.Signal) float64 {
	w := e.Config.Risk.Weights
	t := e.Config.Risk.Thresholds
	var score float64
	if s.SafetyRisk {
		score += w.SafetyRisk
	}
	if s.LegalMandate {
		score += w.LegalMandate
	}
	if s.PopulationAffected >= t.HighPopulation {
		score += w.PopulationImpact
	}
	if s.ComplaintCount >= t.HighComplaints {
		score += w.ComplaintVolume
	}
	return score
}

// estimateResources is the duration/crew step function over estimated cost.
func estimateResources(cost float64) (weeks, crewSize int) {
	switch {
	case cost >= 50_000_000:
		return 8, 3
	case cost >= 10_000_000:
		return 4, 2
	case cost >= 1_000_000:
		return 2, 2
	default:
		return 1, 1
	}
}

// formCandidates scores every OPEN issue and creates one candidate per
// issue at or above the high-risk threshold. Issues are processed most
// urgent first, which fixes the encounter order for later stages.
func (e Engine) formCandidates(ctx context.Context, runID string) (FormationResult, error) {
	issues, err := e.Repo.ListOpenIssues(ctx)
	if err != nil {
		return FormationResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return FormationResult{}, err
	}
	defer tx.Rollback()

	var res FormationResult
	createdAt := e.now().UTC().Format(time.RFC3339)
	for _, issue := range issues {
		score := e.riskScore(issue.Signal)
		if score < e.Config.Risk.Thresholds.HighRiskScore {
			res.Skipped++
			continue
		}
		weeks, crewSize := estimateResources(issue.Signal.EstimatedCost)
		c := domain.ProjectCandidate{
			IssueID:          issue.ID,
			Title:            fmt.Sprintf("Resolve: %s", issue.Title),
			Scope:            issue.Description,
			EstimatedCost:    issue.Signal.EstimatedCost,
			EstimatedWeeks:   weeks,
			RequiredCrewType: e.Config.CrewType(issue.Category),
			CrewSize:         crewSize,
			RiskScore:        score,
			FeasibilityScore: 1.0,
			CreatedAt:        createdAt,
		}
		c.ProjectID, err = e.Repo.InsertCandidate(ctx, tx, c)
		if err != nil {
			return res, fmt.Errorf("insert candidate for issue %d: %w", issue.ID, err)
		}
		err = e.Audit.Append(ctx, tx, "PROJECT_CANDIDATE_CREATED", string(StageFormation), audit.Payload{
			"run_id":         runID,
			"project_id":     c.ProjectID,
			"issue_id":       c.IssueID,
			"title":          c.Title,
			"estimated_cost": c.EstimatedCost,
			"risk_score":     c.RiskScore,
		})
		if err != nil {
			return res, err
		}
		res.Created = append(res.Created, c)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}
