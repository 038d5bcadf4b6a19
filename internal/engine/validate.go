package engine

import (
	"context"
	"fmt"
	"strings"

	"civicplan/internal/domain"
	"civicplan/internal/repo"
)

// riskScoreBuffer widens the validator's accepted risk range beyond the
// configured maximum, so a config change does not retroactively flag old
// candidates.
const riskScoreBuffer = 2

// ValidationReport aggregates advisory findings per stage. Findings never
// halt the pipeline; they are surfaced for operator review.
type ValidationReport struct {
	Candidates []string `json:"project_candidates"`
	Budget     []string `json:"budget_allocation"`
	Schedule   []string `json:"schedule_feasibility"`
}

func (r ValidationReport) HasFindings() bool {
	return len(r.Candidates)+len(r.Budget)+len(r.Schedule) > 0
}

// Format renders the report for operator display.
func (r ValidationReport) Format() string {
	var b strings.Builder
	b.WriteString("Validation Report\n")
	b.WriteString(strings.Repeat("=", 60) + "\n\n")
	sections := []struct {
		name     string
		findings []string
	}{
		{"Project Candidates", r.Candidates},
		{"Budget Allocation", r.Budget},
		{"Schedule Feasibility", r.Schedule},
	}
	for _, s := range sections {
		b.WriteString(s.name + ":\n")
		if len(s.findings) == 0 {
			b.WriteString("  OK - no findings\n")
		}
		for _, f := range s.findings {
			b.WriteString("  FAIL - " + f + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Validate runs the read-only cross-checks over the three stages' persisted
// outputs.
func (e Engine) Validate(ctx context.Context) (ValidationReport, error) {
	var report ValidationReport
	var err error
	if report.Candidates, err = e.validateCandidates(ctx); err != nil {
		return report, err
	}
	if report.Budget, err = e.validateBudget(ctx); err != nil {
		return report, err
	}
	if report.Schedule, err = e.validateSchedule(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (e Engine) validateCandidates(ctx context.Context) ([]string, error) {
	candidates, err := e.Repo.ListCandidates(ctx)
	if err != nil {
		return nil, err
	}
	budget := e.Config.QuarterlyBudget
	horizon := e.Config.PlanningHorizonWeeks
	maxScore := e.Config.MaxRiskScore() + riskScoreBuffer

	var findings []string
	for _, c := range candidates {
		if c.Title == "" {
			findings = append(findings, fmt.Sprintf("project #%d has no title", c.ProjectID))
		}
		if c.EstimatedCost < 0 {
			findings = append(findings, fmt.Sprintf("project #%d has negative cost $%.0f", c.ProjectID, c.EstimatedCost))
		}
		if c.EstimatedCost > budget*10 {
			findings = append(findings, fmt.Sprintf("project #%d cost $%.0f exceeds 10x quarterly budget", c.ProjectID, c.EstimatedCost))
		}
		if c.EstimatedWeeks < 1 {
			findings = append(findings, fmt.Sprintf("project #%d has duration %d weeks", c.ProjectID, c.EstimatedWeeks))
		}
		if c.EstimatedWeeks > horizon*2 {
			findings = append(findings, fmt.Sprintf("project #%d duration %d weeks exceeds 2x planning horizon", c.ProjectID, c.EstimatedWeeks))
		}
		if c.RiskScore < 0 || c.RiskScore > maxScore {
			findings = append(findings, fmt.Sprintf("project #%d risk score %.1f outside [0, %.1f]", c.ProjectID, c.RiskScore, maxScore))
		}
	}
	return findings, nil
}

func (e Engine) validateBudget(ctx context.Context) ([]string, error) {
	decisions, err := e.Repo.ListDecisions(ctx)
	if err != nil {
		return nil, err
	}
	budget := e.Config.QuarterlyBudget

	var findings []string
	var total float64
	for _, d := range decisions {
		if d.Decision != domain.DecisionApproved {
			continue
		}
		total += d.AllocatedBudget
		if d.AllocatedBudget < 0 {
			findings = append(findings, fmt.Sprintf("project #%d has negative allocation $%.0f", d.ProjectID, d.AllocatedBudget))
		}
		if d.PriorityRank < 1 {
			findings = append(findings, fmt.Sprintf("project #%d has invalid priority rank %d", d.ProjectID, d.PriorityRank))
		}
	}
	if total > budget {
		findings = append(findings, fmt.Sprintf("total allocated $%.0f exceeds budget $%.0f by $%.0f", total, budget, total-budget))
	}
	return findings, nil
}

func (e Engine) validateSchedule(ctx context.Context) ([]string, error) {
	tasks, err := e.Repo.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	projects, err := e.Repo.ListApprovedProjects(ctx)
	if err != nil {
		return nil, err
	}
	calendar, err := e.Repo.ListCalendar(ctx, repo.CalendarFilters{})
	if err != nil {
		return nil, err
	}

	byProject := map[int64]domain.ApprovedProject{}
	for _, p := range projects {
		byProject[p.ProjectID] = p
	}
	type slot struct {
		crew string
		week int
	}
	entries := map[slot]domain.CalendarEntry{}
	for _, entry := range calendar {
		entries[slot{entry.ResourceType, entry.WeekNumber}] = entry
	}

	var findings []string
	for _, t := range tasks {
		p, ok := byProject[t.ProjectID]
		if !ok {
			findings = append(findings, fmt.Sprintf("task #%d references non-approved project #%d", t.TaskID, t.ProjectID))
			continue
		}
		if t.StartWeek < 1 || t.EndWeek < t.StartWeek {
			findings = append(findings, fmt.Sprintf("project #%d has invalid week range %d-%d", t.ProjectID, t.StartWeek, t.EndWeek))
			continue
		}
		if got := t.EndWeek - t.StartWeek + 1; got != p.EstimatedWeeks {
			findings = append(findings, fmt.Sprintf("project #%d scheduled for %d weeks but estimated %d", t.ProjectID, got, p.EstimatedWeeks))
		}
		for week := t.StartWeek; week <= t.EndWeek; week++ {
			entry, ok := entries[slot{t.ResourceType, week}]
			if !ok {
				findings = append(findings, fmt.Sprintf("project #%d uses %s in week %d with no calendar entry", t.ProjectID, t.ResourceType, week))
				continue
			}
			if entry.Allocated > entry.Capacity {
				findings = append(findings, fmt.Sprintf("%s over-allocated in week %d: %d of %d", t.ResourceType, week, entry.Allocated, entry.Capacity))
			}
		}
	}
	return findings, nil
}
