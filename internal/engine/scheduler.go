package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"civicplan/internal/audit"
	"civicplan/internal/domain"
	"civicplan/internal/repo"
	"civicplan/internal/weather"
)

// ScheduleResult reports placements, projects that found no window, and the
// post-scheduling feasibility scan.
type ScheduleResult struct {
	Placed     []domain.ScheduleTask      `json:"placed"`
	Infeasible []domain.ApprovedProject   `json:"infeasible"`
	Violations []domain.CapacityViolation `json:"violations"`
}

// scheduleProjects places approved projects in ascending priority-rank
// order using earliest-fit. Each placement is one transaction: the window's
// capacity check and its allocation commit together, so no later decision
// can observe a half-committed window.
func (e Engine) scheduleProjects(ctx context.Context, runID string) (ScheduleResult, error) {
	projects, err := e.Repo.ListApprovedProjects(ctx)
	if err != nil {
		return ScheduleResult{}, err
	}
	horizon := e.Config.PlanningHorizonWeeks

	var res ScheduleResult
	for _, p := range projects {
		task, placed, err := e.placeProject(ctx, runID, p, horizon)
		if err != nil {
			return res, fmt.Errorf("schedule project %d: %w", p.ProjectID, err)
		}
		if placed {
			res.Placed = append(res.Placed, task)
		} else {
			slog.Info("no feasible window for project",
				"project_id", p.ProjectID, "crew", p.RequiredCrewType, "weeks", p.EstimatedWeeks)
			res.Infeasible = append(res.Infeasible, p)
		}
	}

	// Mandatory post-condition: the allocation discipline above should make
	// violations impossible, but the scan is still required.
	calendar, err := e.Repo.ListCalendar(ctx, repo.CalendarFilters{})
	if err != nil {
		return res, err
	}
	for _, entry := range calendar {
		if entry.Allocated > entry.Capacity {
			res.Violations = append(res.Violations, domain.CapacityViolation{
				ResourceType: entry.ResourceType,
				WeekNumber:   entry.WeekNumber,
				Capacity:     entry.Capacity,
				Allocated:    entry.Allocated,
			})
		}
	}
	return res, nil
}

func (e Engine) placeProject(ctx context.Context, runID string, p domain.ApprovedProject, horizon int) (domain.ScheduleTask, bool, error) {
	duration := p.EstimatedWeeks
	for start := 1; start <= horizon-duration+1; start++ {
		end := start + duration - 1
		task, placed, err := e.tryWindow(ctx, runID, p, start, end)
		if err != nil {
			return domain.ScheduleTask{}, false, err
		}
		if placed {
			return task, true, nil
		}
	}
	return domain.ScheduleTask{}, false, nil
}

// tryWindow checks one candidate window and commits it if feasible. The
// capacity read and the allocation write share a transaction.
func (e Engine) tryWindow(ctx context.Context, runID string, p domain.ApprovedProject, start, end int) (domain.ScheduleTask, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduleTask{}, false, err
	}
	defer tx.Rollback()

	window, err := e.Repo.CalendarWindowTx(ctx, tx, p.RequiredCrewType, start, end)
	if err != nil {
		return domain.ScheduleTask{}, false, err
	}
	for week := start; week <= end; week++ {
		entry, ok := window[week]
		if !ok || entry.Capacity-entry.Allocated < p.CrewSize {
			return domain.ScheduleTask{}, false, nil
		}
	}

	if !e.weatherFeasible(ctx, p, start, end) {
		return domain.ScheduleTask{}, false, nil
	}

	for week := start; week <= end; week++ {
		if err := e.Repo.AllocateTx(ctx, tx, p.RequiredCrewType, week, p.CrewSize); err != nil {
			return domain.ScheduleTask{}, false, fmt.Errorf("allocate %s week %d: %w", p.RequiredCrewType, week, err)
		}
	}

	task := domain.ScheduleTask{
		ProjectID:    p.ProjectID,
		Title:        p.Title,
		StartWeek:    start,
		EndWeek:      end,
		ResourceType: p.RequiredCrewType,
		CrewAssigned: p.CrewSize,
		Status:       domain.TaskScheduled,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if task.TaskID, err = e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.ScheduleTask{}, false, err
	}
	err = e.Audit.Append(ctx, tx, "TASK_SCHEDULED", string(StageScheduling), audit.Payload{
		"run_id":        runID,
		"project_id":    p.ProjectID,
		"task_id":       task.TaskID,
		"start_week":    start,
		"end_week":      end,
		"resource_type": p.RequiredCrewType,
		"crew_assigned": p.CrewSize,
	})
	if err != nil {
		return domain.ScheduleTask{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScheduleTask{}, false, err
	}
	return task, true, nil
}

// weatherFeasible gates outdoor work on the forecast oracle. Oracle
// failures never block scheduling: the window is treated as feasible.
func (e Engine) weatherFeasible(ctx context.Context, p domain.ApprovedProject, start, end int) bool {
	if e.Weather == nil || !weather.IsOutdoorWork(p.Category, p.RequiredCrewType) {
		return true
	}
	forecast, err := e.Weather.Forecast(ctx, start, end, e.Config.Weather.Location)
	if err != nil {
		slog.Warn("weather oracle unavailable, assuming feasible",
			"project_id", p.ProjectID, "start_week", start, "end_week", end, "err", err)
		return true
	}
	return forecast.AdverseDays <= weather.MaxAdverseDays
}
