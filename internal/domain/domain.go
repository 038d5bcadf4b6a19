package domain

// Issue is a reported civic problem. Issues are created by intake/seed and
// are read-only to the pipeline.
type Issue struct {
	ID          int64  `json:"issue_id"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
	Status      string `json:"status" enum:"OPEN,CLOSED"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Signal carries the quantified impact data attached 1:1 to an issue.
// Immutable once created; missing numeric fields read as zero/false.
type Signal struct {
	IssueID            int64   `json:"issue_id"`
	PopulationAffected int64   `json:"population_affected"`
	ComplaintCount     int     `json:"complaint_count"`
	SafetyRisk         bool    `json:"safety_risk"`
	LegalMandate       bool    `json:"legal_mandate"`
	EstimatedCost      float64 `json:"estimated_cost"`
	UrgencyDays        int     `json:"urgency_days"`
}

// OpenIssue is an issue joined with its signal, as consumed by formation.
type OpenIssue struct {
	Issue
	Signal Signal `json:"signal"`
}

// ProjectCandidate is a costed project proposal derived from a high-risk
// issue. Owned by the formation stage; never mutated after creation.
type ProjectCandidate struct {
	ProjectID        int64   `json:"project_id"`
	IssueID          int64   `json:"issue_id"`
	Title            string  `json:"title"`
	Scope            string  `json:"scope,omitempty"`
	EstimatedCost    float64 `json:"estimated_cost"`
	EstimatedWeeks   int     `json:"estimated_weeks"`
	RequiredCrewType string  `json:"required_crew_type"`
	CrewSize         int     `json:"crew_size"`
	RiskScore        float64 `json:"risk_score"`
	FeasibilityScore float64 `json:"feasibility_score"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// Funding dispositions for a candidate.
const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
	DecisionDeferred = "DEFERRED"
)

// RejectedRank is the sentinel priority rank for non-approved decisions.
const RejectedRank = 999

// PortfolioDecision records the funding disposition of one candidate.
type PortfolioDecision struct {
	DecisionID      int64   `json:"decision_id"`
	ProjectID       int64   `json:"project_id"`
	Decision        string  `json:"decision" enum:"APPROVED,REJECTED,DEFERRED"`
	AllocatedBudget float64 `json:"allocated_budget"`
	PriorityRank    int     `json:"priority_rank"`
	Rationale       string  `json:"rationale,omitempty"`
	DecidedAt       string  `json:"decided_at" format:"date-time"`
}

// ApprovedProject is a decision joined with its candidate (and the issue
// category), in the shape the scheduler consumes.
type ApprovedProject struct {
	ProjectID        int64   `json:"project_id"`
	Title            string  `json:"title"`
	Category         string  `json:"category"`
	AllocatedBudget  float64 `json:"allocated_budget"`
	PriorityRank     int     `json:"priority_rank"`
	EstimatedWeeks   int     `json:"estimated_weeks"`
	RequiredCrewType string  `json:"required_crew_type"`
	CrewSize         int     `json:"crew_size"`
}

// CalendarEntry is the weekly capacity ledger for one crew type.
// Invariant after any committed allocation: Allocated <= Capacity.
type CalendarEntry struct {
	ResourceType string `json:"resource_type"`
	WeekNumber   int    `json:"week_number"`
	Capacity     int    `json:"capacity"`
	Allocated    int    `json:"allocated"`
}

// ScheduleTask statuses.
const (
	TaskScheduled = "SCHEDULED"
)

// ScheduleTask is a placed execution window for an approved project.
// EndWeek-StartWeek+1 always equals the project's estimated weeks.
type ScheduleTask struct {
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

// AuditEntry is one append-only record of a state-changing action.
type AuditEntry struct {
	ID        int64  `json:"id"`
	EventType string `json:"event_type"`
	Stage     string `json:"stage"`
	Payload   string `json:"payload_json"`
	TS        string `json:"ts" format:"date-time"`
}

// CapacityViolation reports a calendar entry where allocation exceeds
// capacity. Produced by the post-scheduling feasibility scan; should never
// occur given check-then-commit placement.
type CapacityViolation struct {
	ResourceType string `json:"resource_type"`
	WeekNumber   int    `json:"week_number"`
	Capacity     int    `json:"capacity"`
	Allocated    int    `json:"allocated"`
}

// ProjectDetail joins a candidate with its decision and task for reporting.
type ProjectDetail struct {
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
	Decision         *string  `json:"decision,omitempty"`
	AllocatedBudget  *float64 `json:"allocated_budget,omitempty"`
	PriorityRank     *int     `json:"priority_rank,omitempty"`
	Rationale        *string  `json:"rationale,omitempty"`
	StartWeek        *int     `json:"start_week,omitempty"`
	EndWeek          *int     `json:"end_week,omitempty"`
	Scheduled        bool     `json:"scheduled"`
	DisplayPriority  *int     `json:"display_priority,omitempty"`
}
