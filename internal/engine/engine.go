package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"civicplan/internal/audit"
	"civicplan/internal/config"
	"civicplan/internal/domain"
	"civicplan/internal/repo"
	"civicplan/internal/weather"
)

// Stage identifies which pipeline stage performed an action. Each stage
// exclusively owns the write path to its output entity.
type Stage string

const (
	StageFormation  Stage = "formation"
	StageAllocation Stage = "allocation"
	StageScheduling Stage = "scheduling"
	StageValidation Stage = "validation"
)

// ErrInvalidBudget rejects a pipeline run before any stage executes.
var ErrInvalidBudget = errors.New("budget must be a positive number")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Config  *config.Config
	Weather weather.Oracle
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	var oracle weather.Oracle = weather.Simulated{}
	if cfg != nil && cfg.Weather.ServiceURL != "" {
		oracle = weather.NewClient(cfg.Weather.ServiceURL)
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   audit.Writer{DB: db},
		Config:  cfg,
		Weather: oracle,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Init seeds the sample backlog and resource calendar, replacing any
// existing data. Migrations must already have run.
func (e Engine) Init(ctx context.Context) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	return e.Repo.SeedSampleData(ctx, e.Config.Crews.Capacities, e.Config.PlanningHorizonWeeks, e.now())
}

// RunResult is the outcome of one full pipeline pass.
type RunResult struct {
	RunID      string                 `json:"run_id"`
	Budget     float64                `json:"budget"`
	Formation  FormationResult        `json:"formation"`
	Allocation AllocationResult       `json:"allocation"`
	Schedule   ScheduleResult         `json:"schedule"`
	Summary    RunSummary             `json:"summary"`
	Projects   []domain.ProjectDetail `json:"projects"`
}

// RunPipeline executes the full pass: reset outputs, formation, allocation,
// scheduling, then summary assembly. Each stage runs to completion before
// the next starts. A non-positive budget fails the whole request before any
// stage executes.
func (e Engine) RunPipeline(ctx context.Context, budget float64) (RunResult, error) {
	if e.Config == nil {
		return RunResult{}, errors.New("config not loaded")
	}
	if budget <= 0 {
		return RunResult{}, ErrInvalidBudget
	}
	runID := uuid.NewString()
	res := RunResult{RunID: runID, Budget: budget}

	if err := e.Repo.ResetOutputs(ctx); err != nil {
		return res, fmt.Errorf("reset outputs: %w", err)
	}
	if err := e.ensureCalendar(ctx); err != nil {
		return res, fmt.Errorf("ensure calendar: %w", err)
	}

	var err error
	if res.Formation, err = e.formCandidates(ctx, runID); err != nil {
		return res, fmt.Errorf("formation: %w", err)
	}
	if res.Allocation, err = e.allocatePortfolio(ctx, runID, budget); err != nil {
		return res, fmt.Errorf("allocation: %w", err)
	}
	if res.Schedule, err = e.scheduleProjects(ctx, runID); err != nil {
		return res, fmt.Errorf("scheduling: %w", err)
	}
	if res.Summary, err = e.Summary(ctx); err != nil {
		return res, fmt.Errorf("summary: %w", err)
	}
	if res.Projects, err = e.ProjectDetails(ctx); err != nil {
		return res, fmt.Errorf("project details: %w", err)
	}
	return res, nil
}

func (e Engine) ensureCalendar(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureCalendar(ctx, tx, e.Config.Crews.Capacities, e.Config.PlanningHorizonWeeks); err != nil {
		return err
	}
	return tx.Commit()
}

// CrewUtilization is the allocated share of one crew type's total capacity
// over the horizon.
type CrewUtilization struct {
	ResourceType string  `json:"resource_type"`
	Capacity     int     `json:"capacity"`
	Allocated    int     `json:"allocated"`
	Percent      float64 `json:"percent"`
}

// RunSummary is the top-line system state after a pass.
type RunSummary struct {
	OpenIssues      int               `json:"open_issues"`
	Candidates      int               `json:"project_candidates"`
	Approved        int               `json:"approved_projects"`
	ScheduledTasks  int               `json:"scheduled_tasks"`
	TotalAllocated  float64           `json:"total_allocated"`
	QuarterlyBudget float64           `json:"quarterly_budget"`
	BudgetRemaining float64           `json:"budget_remaining"`
	Utilization     []CrewUtilization `json:"utilization"`
}

func (e Engine) Summary(ctx context.Context) (RunSummary, error) {
	counts, err := e.Repo.CountAll(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	allocated, err := e.Repo.ApprovedTotal(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	calendar, err := e.Repo.ListCalendar(ctx, repo.CalendarFilters{})
	if err != nil {
		return RunSummary{}, err
	}
	byCrew := map[string]*CrewUtilization{}
	var crews []string
	for _, entry := range calendar {
		u, ok := byCrew[entry.ResourceType]
		if !ok {
			u = &CrewUtilization{ResourceType: entry.ResourceType}
			byCrew[entry.ResourceType] = u
			crews = append(crews, entry.ResourceType)
		}
		u.Capacity += entry.Capacity
		u.Allocated += entry.Allocated
	}
	sort.Strings(crews)
	util := make([]CrewUtilization, 0, len(crews))
	for _, crew := range crews {
		u := byCrew[crew]
		if u.Capacity > 0 {
			u.Percent = 100 * float64(u.Allocated) / float64(u.Capacity)
		}
		util = append(util, *u)
	}
	return RunSummary{
		OpenIssues:      counts.OpenIssues,
		Candidates:      counts.Candidates,
		Approved:        counts.Approved,
		ScheduledTasks:  counts.ScheduledTasks,
		TotalAllocated:  allocated,
		QuarterlyBudget: e.Config.QuarterlyBudget,
		BudgetRemaining: e.Config.QuarterlyBudget - allocated,
		Utilization:     util,
	}, nil
}

// ProjectDetails returns every candidate joined with its decision and task,
// with approved projects renumbered 1..n by priority rank for display.
func (e Engine) ProjectDetails(ctx context.Context) ([]domain.ProjectDetail, error) {
	details, err := e.Repo.ListProjectDetails(ctx)
	if err != nil {
		return nil, err
	}
	var approved []int
	for i, d := range details {
		if d.Decision != nil && *d.Decision == domain.DecisionApproved {
			approved = append(approved, i)
		}
	}
	sort.SliceStable(approved, func(a, b int) bool {
		ra, rb := details[approved[a]].PriorityRank, details[approved[b]].PriorityRank
		switch {
		case ra == nil:
			return false
		case rb == nil:
			return true
		default:
			return *ra < *rb
		}
	})
	for n, i := range approved {
		display := n + 1
		details[i].DisplayPriority = &display
	}
	return details, nil
}
