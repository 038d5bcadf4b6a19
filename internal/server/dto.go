package server

import (
	"encoding/json"
	"math"
	"sort"

	"civicplan/internal/domain"
	"civicplan/internal/engine"
)

// Request payloads

type RunPipelineRequest struct {
	Budget *float64 `json:"budget,omitempty"`
}

// Response payloads

type InitResponse struct {
	Status     string `json:"status"`
	OpenIssues int    `json:"open_issues"`
}

type ProjectResponse struct {
	ProjectID        int64    `json:"project_id"`
	Title            string   `json:"title"`
	Scope            string   `json:"scope,omitempty"`
	IssueID          int64    `json:"issue_id"`
	IssueTitle       string   `json:"issue_title,omitempty"`
	Category         string   `json:"category,omitempty"`
	EstimatedCost    float64  `json:"estimated_cost"`
	EstimatedWeeks   int      `json:"estimated_weeks"`
	RequiredCrewType string   `json:"required_crew_type"`
	CrewSize         int      `json:"crew_size"`
	RiskScore        float64  `json:"risk_score"`
	FeasibilityScore float64  `json:"feasibility_score"`
	Decision         *string  `json:"decision,omitempty" enum:"APPROVED,REJECTED,DEFERRED"`
	AllocatedBudget  *float64 `json:"allocated_budget,omitempty"`
	PriorityRank     *int     `json:"priority_rank,omitempty"`
	Rationale        *string  `json:"rationale,omitempty"`
	StartWeek        *int     `json:"start_week,omitempty"`
	EndWeek          *int     `json:"end_week,omitempty"`
	Scheduled        bool     `json:"scheduled"`
	DisplayPriority  *int     `json:"display_priority,omitempty"`
}

type TaskResponse struct {
	TaskID       int64  `json:"task_id"`
	ProjectID    int64  `json:"project_id"`
	Title        string `json:"title,omitempty"`
	StartWeek    int    `json:"start_week"`
	EndWeek      int    `json:"end_week"`
	ResourceType string `json:"resource_type"`
	CrewAssigned int    `json:"crew_assigned"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type CalendarResponse struct {
	ResourceType string `json:"resource_type"`
	WeekNumber   int    `json:"week_number"`
	Capacity     int    `json:"capacity"`
	Allocated    int    `json:"allocated"`
}

type AuditResponse struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Stage     string         `json:"stage"`
	Payload   map[string]any `json:"payload,omitempty"`
	TS        string         `json:"ts" format:"date-time"`
}

type SummaryResponse struct {
	OpenIssues      int                      `json:"open_issues"`
	Candidates      int                      `json:"project_candidates"`
	Approved        int                      `json:"approved_projects"`
	ScheduledTasks  int                      `json:"scheduled_tasks"`
	TotalAllocated  float64                  `json:"total_allocated"`
	QuarterlyBudget float64                  `json:"quarterly_budget"`
	BudgetRemaining float64                  `json:"budget_remaining"`
	Utilization     []engine.CrewUtilization `json:"utilization"`
}

type RunPipelineResponse struct {
	RunID            string             `json:"run_id"`
	Budget           float64            `json:"budget"`
	Summary          SummaryResponse    `json:"summary"`
	Projects         []ProjectResponse  `json:"projects"`
	ApprovedProjects []ProjectResponse  `json:"approved_projects"`
	RejectedProjects []ProjectResponse  `json:"rejected_projects"`
	Infeasible       []int64            `json:"infeasible_project_ids,omitempty"`
	Violations       []CalendarResponse `json:"violations,omitempty"`
}

type ValidationResponse struct {
	Candidates []string `json:"project_candidates"`
	Budget     []string `json:"budget_allocation"`
	Schedule   []string `json:"schedule_feasibility"`
	OK         bool     `json:"ok"`
}

// Conversions

func projectResponse(d domain.ProjectDetail) ProjectResponse {
	return ProjectResponse{
		ProjectID:        d.ProjectID,
		Title:            d.Title,
		Scope:            d.Scope,
		IssueID:          d.IssueID,
		IssueTitle:       d.IssueTitle,
		Category:         d.Category,
		EstimatedCost:    d.EstimatedCost,
		EstimatedWeeks:   d.EstimatedWeeks,
		RequiredCrewType: d.RequiredCrewType,
		CrewSize:         d.CrewSize,
		RiskScore:        d.RiskScore,
		FeasibilityScore: d.FeasibilityScore,
		Decision:         d.Decision,
		AllocatedBudget:  d.AllocatedBudget,
		PriorityRank:     d.PriorityRank,
		Rationale:        d.Rationale,
		StartWeek:        d.StartWeek,
		EndWeek:          d.EndWeek,
		Scheduled:        d.Scheduled,
		DisplayPriority:  d.DisplayPriority,
	}
}

func taskResponse(t domain.ScheduleTask) TaskResponse {
	return TaskResponse{
		TaskID:       t.TaskID,
		ProjectID:    t.ProjectID,
		Title:        t.Title,
		StartWeek:    t.StartWeek,
		EndWeek:      t.EndWeek,
		ResourceType: t.ResourceType,
		CrewAssigned: t.CrewAssigned,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt,
	}
}

func calendarResponse(e domain.CalendarEntry) CalendarResponse {
	return CalendarResponse{
		ResourceType: e.ResourceType,
		WeekNumber:   e.WeekNumber,
		Capacity:     e.Capacity,
		Allocated:    e.Allocated,
	}
}

func auditResponse(e domain.AuditEntry) AuditResponse {
	return AuditResponse{
		ID:        e.ID,
		EventType: e.EventType,
		Stage:     e.Stage,
		Payload:   decodeJSONMap(e.Payload),
		TS:        e.TS,
	}
}

func summaryResponse(s engine.RunSummary) SummaryResponse {
	return SummaryResponse{
		OpenIssues:      s.OpenIssues,
		Candidates:      s.Candidates,
		Approved:        s.Approved,
		ScheduledTasks:  s.ScheduledTasks,
		TotalAllocated:  s.TotalAllocated,
		QuarterlyBudget: s.QuarterlyBudget,
		BudgetRemaining: s.BudgetRemaining,
		Utilization:     nonNilSlice(s.Utilization),
	}
}

func runPipelineResponse(res engine.RunResult) RunPipelineResponse {
	out := RunPipelineResponse{
		RunID:            res.RunID,
		Budget:           res.Budget,
		Summary:          summaryResponse(res.Summary),
		Projects:         make([]ProjectResponse, 0, len(res.Projects)),
		ApprovedProjects: []ProjectResponse{},
		RejectedProjects: []ProjectResponse{},
	}
	for _, d := range res.Projects {
		pr := projectResponse(d)
		out.Projects = append(out.Projects, pr)
		if d.Decision == nil {
			continue
		}
		switch *d.Decision {
		case domain.DecisionApproved:
			out.ApprovedProjects = append(out.ApprovedProjects, pr)
		case domain.DecisionRejected:
			out.RejectedProjects = append(out.RejectedProjects, pr)
		}
	}
	// Approved list is presented in display-priority order.
	sortByDisplayPriority(out.ApprovedProjects)
	for _, p := range res.Schedule.Infeasible {
		out.Infeasible = append(out.Infeasible, p.ProjectID)
	}
	for _, v := range res.Schedule.Violations {
		out.Violations = append(out.Violations, CalendarResponse{
			ResourceType: v.ResourceType,
			WeekNumber:   v.WeekNumber,
			Capacity:     v.Capacity,
			Allocated:    v.Allocated,
		})
	}
	return out
}

func sortByDisplayPriority(items []ProjectResponse) {
	sort.SliceStable(items, func(i, j int) bool {
		return displayPriority(items[i]) < displayPriority(items[j])
	})
}

func displayPriority(p ProjectResponse) int {
	if p.DisplayPriority == nil {
		return math.MaxInt
	}
	return *p.DisplayPriority
}

func validationResponse(r engine.ValidationReport) ValidationResponse {
	return ValidationResponse{
		Candidates: nonNilSlice(r.Candidates),
		Budget:     nonNilSlice(r.Budget),
		Schedule:   nonNilSlice(r.Schedule),
		OK:         !r.HasFindings(),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
