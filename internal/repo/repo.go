package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"civicplan/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ========== Issues & signals ==========

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(issue_id,title,category,description,source,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		i.ID, i.Title, i.Category, nullable(i.Description), i.Source, i.Status, i.CreatedAt)
	return err
}

func (r Repo) InsertSignal(ctx context.Context, tx *sql.Tx, s domain.Signal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issue_signals(issue_id,population_affected,complaint_count,safety_risk,legal_mandate,estimated_cost,urgency_days) VALUES (?,?,?,?,?,?,?)`,
		s.IssueID, s.PopulationAffected, s.ComplaintCount, boolToInt(s.SafetyRisk), boolToInt(s.LegalMandate), s.EstimatedCost, s.UrgencyDays)
	return err
}

// ListOpenIssues returns OPEN issues joined with their signals, most urgent
// first. This ordering is the canonical "encounter order" for downstream
// stages.
func (r Repo) ListOpenIssues(ctx context.Context) ([]domain.OpenIssue, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT i.issue_id,i.title,i.category,COALESCE(i.description,''),i.source,i.status,i.created_at,
		       s.population_affected,s.complaint_count,s.safety_risk,s.legal_mandate,s.estimated_cost,s.urgency_days
		FROM issues i LEFT JOIN issue_signals s ON i.issue_id = s.issue_id
		WHERE i.status='OPEN'
		ORDER BY s.urgency_days ASC, i.issue_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OpenIssue
	for rows.Next() {
		oi, err := scanOpenIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, oi)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanOpenIssue tolerates a missing signal row: numeric fields default to
// zero and flags to false so a malformed signal never aborts a batch.
func scanOpenIssue(row rowScanner) (domain.OpenIssue, error) {
	var oi domain.OpenIssue
	var population, urgency sql.NullInt64
	var complaints, safety, mandate sql.NullInt64
	var cost sql.NullFloat64
	err := row.Scan(&oi.ID, &oi.Title, &oi.Category, &oi.Description, &oi.Source, &oi.Status, &oi.CreatedAt,
		&population, &complaints, &safety, &mandate, &cost, &urgency)
	if err != nil {
		return oi, err
	}
	oi.Signal = domain.Signal{
		IssueID:            oi.ID,
		PopulationAffected: population.Int64,
		ComplaintCount:     int(complaints.Int64),
		SafetyRisk:         safety.Int64 != 0,
		LegalMandate:       mandate.Int64 != 0,
		EstimatedCost:      cost.Float64,
		UrgencyDays:        int(urgency.Int64),
	}
	return oi, nil
}

// ========== Project candidates ==========

func (r Repo) InsertCandidate(ctx context.Context, tx *sql.Tx, c domain.ProjectCandidate) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO project_candidates
		(issue_id,title,scope,estimated_cost,estimated_weeks,required_crew_type,crew_size,risk_score,feasibility_score,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.IssueID, c.Title, nullable(c.Scope), c.EstimatedCost, c.EstimatedWeeks, c.RequiredCrewType, c.CrewSize, c.RiskScore, c.FeasibilityScore, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListCandidates returns all candidates in creation order.
func (r Repo) ListCandidates(ctx context.Context) ([]domain.ProjectCandidate, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT project_id,issue_id,title,COALESCE(scope,''),estimated_cost,estimated_weeks,required_crew_type,crew_size,risk_score,feasibility_score,created_at
		FROM project_candidates ORDER BY project_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectCandidate
	for rows.Next() {
		var c domain.ProjectCandidate
		if err := rows.Scan(&c.ProjectID, &c.IssueID, &c.Title, &c.Scope, &c.EstimatedCost, &c.EstimatedWeeks,
			&c.RequiredCrewType, &c.CrewSize, &c.RiskScore, &c.FeasibilityScore, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ========== Portfolio decisions ==========

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.PortfolioDecision) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO portfolio_decisions
		(project_id,decision,allocated_budget,priority_rank,rationale,decided_at) VALUES (?,?,?,?,?,?)`,
		d.ProjectID, d.Decision, d.AllocatedBudget, d.PriorityRank, nullable(d.Rationale), d.DecidedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListDecisions(ctx context.Context) ([]domain.PortfolioDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT decision_id,project_id,decision,allocated_budget,priority_rank,COALESCE(rationale,''),decided_at
		FROM portfolio_decisions ORDER BY priority_rank ASC, project_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PortfolioDecision
	for rows.Next() {
		var d domain.PortfolioDecision
		if err := rows.Scan(&d.DecisionID, &d.ProjectID, &d.Decision, &d.AllocatedBudget, &d.PriorityRank, &d.Rationale, &d.DecidedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListApprovedProjects returns approved decisions joined with candidate and
// issue data, highest priority first. This is the scheduler's work queue.
func (r Repo) ListApprovedProjects(ctx context.Context) ([]domain.ApprovedProject, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT pd.project_id,pc.title,COALESCE(i.category,''),pd.allocated_budget,pd.priority_rank,
		       pc.estimated_weeks,pc.required_crew_type,pc.crew_size
		FROM portfolio_decisions pd
		JOIN project_candidates pc ON pd.project_id = pc.project_id
		LEFT JOIN issues i ON pc.issue_id = i.issue_id
		WHERE pd.decision='APPROVED'
		ORDER BY pd.priority_rank ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovedProject
	for rows.Next() {
		var p domain.ApprovedProject
		if err := rows.Scan(&p.ProjectID, &p.Title, &p.Category, &p.AllocatedBudget, &p.PriorityRank,
			&p.EstimatedWeeks, &p.RequiredCrewType, &p.CrewSize); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ApprovedTotal sums the allocated budgets of approved decisions.
func (r Repo) ApprovedTotal(ctx context.Context) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(allocated_budget),0) FROM portfolio_decisions WHERE decision='APPROVED'`).Scan(&total)
	return total, err
}

// ========== Resource calendar ==========

// EnsureCalendar upserts one row per (crew type, week) for the horizon,
// preserving existing allocations.
func (r Repo) EnsureCalendar(ctx context.Context, tx *sql.Tx, capacities map[string]int, horizonWeeks int) error {
	for crew, cap := range capacities {
		for week := 1; week <= horizonWeeks; week++ {
			if _, err := tx.ExecContext(ctx, `INSERT INTO resource_calendar(resource_type,week_number,capacity,allocated) VALUES (?,?,?,0)
				ON CONFLICT(resource_type,week_number) DO UPDATE SET capacity=excluded.capacity`, crew, week, cap); err != nil {
				return err
			}
		}
	}
	return nil
}

type CalendarFilters struct {
	ResourceType string
}

func (r Repo) ListCalendar(ctx context.Context, f CalendarFilters) ([]domain.CalendarEntry, error) {
	var clauses []string
	var args []any
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type=?")
		args = append(args, f.ResourceType)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT resource_type,week_number,capacity,allocated FROM resource_calendar `+where+` ORDER BY resource_type, week_number`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CalendarEntry
	for rows.Next() {
		var e domain.CalendarEntry
		if err := rows.Scan(&e.ResourceType, &e.WeekNumber, &e.Capacity, &e.Allocated); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CalendarWindowTx reads the calendar rows for one crew type over a week
// window inside the caller's transaction, keyed by week number.
func (r Repo) CalendarWindowTx(ctx context.Context, tx *sql.Tx, resourceType string, startWeek, endWeek int) (map[int]domain.CalendarEntry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT resource_type,week_number,capacity,allocated FROM resource_calendar
		WHERE resource_type=? AND week_number BETWEEN ? AND ? ORDER BY week_number`, resourceType, startWeek, endWeek)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int]domain.CalendarEntry{}
	for rows.Next() {
		var e domain.CalendarEntry
		if err := rows.Scan(&e.ResourceType, &e.WeekNumber, &e.Capacity, &e.Allocated); err != nil {
			return nil, err
		}
		res[e.WeekNumber] = e
	}
	return res, rows.Err()
}

// AllocateTx increments the allocation for one (crew type, week). The guard
// in the UPDATE rejects over-allocation so the calendar invariant can never
// be violated by a commit.
func (r Repo) AllocateTx(ctx context.Context, tx *sql.Tx, resourceType string, week, units int) error {
	res, err := tx.ExecContext(ctx, `UPDATE resource_calendar SET allocated = allocated + ?
		WHERE resource_type=? AND week_number=? AND allocated + ? <= capacity`, units, resourceType, week, units)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ========== Schedule tasks ==========

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.ScheduleTask) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO schedule_tasks
		(project_id,start_week,end_week,resource_type,crew_assigned,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ProjectID, t.StartWeek, t.EndWeek, t.ResourceType, t.CrewAssigned, t.Status, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListTasks(ctx context.Context) ([]domain.ScheduleTask, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT st.task_id,st.project_id,pc.title,st.start_week,st.end_week,st.resource_type,st.crew_assigned,st.status,st.created_at
		FROM schedule_tasks st JOIN project_candidates pc ON st.project_id = pc.project_id
		ORDER BY st.start_week, st.project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduleTask
	for rows.Next() {
		var t domain.ScheduleTask
		if err := rows.Scan(&t.TaskID, &t.ProjectID, &t.Title, &t.StartWeek, &t.EndWeek, &t.ResourceType, &t.CrewAssigned, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ========== Audit log ==========

type AuditFilters struct {
	Stage     string
	EventType string
	Limit     int
}

func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	var clauses []string
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT log_id,event_type,stage,COALESCE(payload_json,''),ts FROM audit_log ` + where + ` ORDER BY log_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.EventType, &e.Stage, &e.Payload, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ========== Reporting joins ==========

// ListProjectDetails joins candidates with their decision, task and source
// issue for the pipeline report.
func (r Repo) ListProjectDetails(ctx context.Context) ([]domain.ProjectDetail, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT pc.project_id,pc.title,COALESCE(pc.scope,''),pc.issue_id,COALESCE(i.title,''),COALESCE(i.category,''),
		       pc.estimated_cost,pc.estimated_weeks,pc.required_crew_type,pc.crew_size,pc.risk_score,pc.feasibility_score,
		       pd.decision,pd.allocated_budget,pd.priority_rank,pd.rationale,
		       st.start_week,st.end_week
		FROM project_candidates pc
		LEFT JOIN issues i ON pc.issue_id = i.issue_id
		LEFT JOIN portfolio_decisions pd ON pd.project_id = pc.project_id
		LEFT JOIN schedule_tasks st ON st.project_id = pc.project_id
		ORDER BY pc.project_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectDetail
	for rows.Next() {
		var d domain.ProjectDetail
		var decision, rationale sql.NullString
		var allocated sql.NullFloat64
		var rank, startWeek, endWeek sql.NullInt64
		if err := rows.Scan(&d.ProjectID, &d.Title, &d.Scope, &d.IssueID, &d.IssueTitle, &d.Category,
			&d.EstimatedCost, &d.EstimatedWeeks, &d.RequiredCrewType, &d.CrewSize, &d.RiskScore, &d.FeasibilityScore,
			&decision, &allocated, &rank, &rationale, &startWeek, &endWeek); err != nil {
			return nil, err
		}
		if decision.Valid {
			d.Decision = &decision.String
		}
		if allocated.Valid {
			d.AllocatedBudget = &allocated.Float64
		}
		if rank.Valid {
			v := int(rank.Int64)
			d.PriorityRank = &v
		}
		if rationale.Valid {
			d.Rationale = &rationale.String
		}
		if startWeek.Valid {
			v := int(startWeek.Int64)
			d.StartWeek = &v
			d.Scheduled = true
		}
		if endWeek.Valid {
			v := int(endWeek.Int64)
			d.EndWeek = &v
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// Counts is the per-entity tally used by the run summary.
type Counts struct {
	OpenIssues     int
	Candidates     int
	Approved       int
	ScheduledTasks int
}

func (r Repo) CountAll(ctx context.Context) (Counts, error) {
	var c Counts
	row := r.DB.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM issues WHERE status='OPEN'),
		(SELECT COUNT(*) FROM project_candidates),
		(SELECT COUNT(*) FROM portfolio_decisions WHERE decision='APPROVED'),
		(SELECT COUNT(*) FROM schedule_tasks)`)
	err := row.Scan(&c.OpenIssues, &c.Candidates, &c.Approved, &c.ScheduledTasks)
	return c, err
}

// ResetOutputs clears all pipeline-generated data and zeroes calendar
// allocations. Issues, signals and calendar capacities are preserved. This
// is the only operation allowed to delete audit entries.
func (r Repo) ResetOutputs(ctx context.Context) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM schedule_tasks`,
		`DELETE FROM portfolio_decisions`,
		`DELETE FROM project_candidates`,
		`UPDATE resource_calendar SET allocated = 0`,
		`DELETE FROM audit_log`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
