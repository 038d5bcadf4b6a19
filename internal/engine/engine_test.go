package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicplan/internal/config"
	"civicplan/internal/db"
	"civicplan/internal/domain"
	"civicplan/internal/engine"
	"civicplan/internal/migrate"
	"civicplan/internal/repo"
	"civicplan/internal/weather"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

type issueSpec struct {
	id       int64
	category string
	safety   bool
	mandate  bool
	pop      int64
	compl    int
	cost     float64
	urgency  int
}

func (env testEnv) addIssue(t *testing.T, s issueSpec) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = env.Engine.Repo.InsertIssue(env.Ctx, tx, domain.Issue{
		ID: s.id, Title: "issue", Category: s.category, Source: "citizen_complaint",
		Status: "OPEN", CreatedAt: "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	err = env.Engine.Repo.InsertSignal(env.Ctx, tx, domain.Signal{
		IssueID: s.id, PopulationAffected: s.pop, ComplaintCount: s.compl,
		SafetyRisk: s.safety, LegalMandate: s.mandate, EstimatedCost: s.cost, UrgencyDays: s.urgency,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func TestRunPipelineRejectsNonPositiveBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Engine.Init(env.Ctx))

	_, err := env.Engine.RunPipeline(env.Ctx, 0)
	require.ErrorIs(t, err, engine.ErrInvalidBudget)
	_, err = env.Engine.RunPipeline(env.Ctx, -5)
	require.ErrorIs(t, err, engine.ErrInvalidBudget)

	// Nothing ran: previous outputs untouched.
	candidates, err := env.Engine.Repo.ListCandidates(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestThresholdLaw(t *testing.T) {
	env := newTestEnv(t, nil)
	// All factors present: 3+3+1+1 = 8, well above threshold 3.
	env.addIssue(t, issueSpec{id: 1, category: "Water", safety: true, mandate: true, pop: 450_000, compl: 1200, cost: 45_000_000, urgency: 7})
	// All factors absent: score 0, no candidate.
	env.addIssue(t, issueSpec{id: 2, category: "Recreation", pop: 15_000, compl: 12, cost: 2_500_000, urgency: 180})

	res, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)
	require.Len(t, res.Formation.Created, 1)
	assert.Equal(t, int64(1), res.Formation.Created[0].IssueID)
	assert.Equal(t, 8.0, res.Formation.Created[0].RiskScore)
	assert.Equal(t, 1, res.Formation.Skipped)
}

func TestResourceEstimateStepFunction(t *testing.T) {
	env := newTestEnv(t, nil)
	costs := []float64{60_000_000, 12_000_000, 2_000_000, 500_000}
	for i, cost := range costs {
		env.addIssue(t, issueSpec{id: int64(i + 1), category: "Health", safety: true, mandate: true, cost: cost, urgency: 10 + i})
	}

	res, err := env.Engine.RunPipeline(env.Ctx, 100_000_000)
	require.NoError(t, err)
	require.Len(t, res.Formation.Created, 4)

	byIssue := map[int64]domain.ProjectCandidate{}
	for _, c := range res.Formation.Created {
		byIssue[c.IssueID] = c
	}
	assert.Equal(t, 8, byIssue[1].EstimatedWeeks)
	assert.Equal(t, 3, byIssue[1].CrewSize)
	assert.Equal(t, 4, byIssue[2].EstimatedWeeks)
	assert.Equal(t, 2, byIssue[2].CrewSize)
	assert.Equal(t, 2, byIssue[3].EstimatedWeeks)
	assert.Equal(t, 2, byIssue[3].CrewSize)
	assert.Equal(t, 1, byIssue[4].EstimatedWeeks)
	assert.Equal(t, 1, byIssue[4].CrewSize)
}

func TestMandatePrecedesValueDensity(t *testing.T) {
	env := newTestEnv(t, nil)
	// Mandate project: $45M, lower value density.
	env.addIssue(t, issueSpec{id: 1, category: "Water", safety: true, mandate: true, pop: 450_000, compl: 1200, cost: 45_000_000, urgency: 7})
	// Non-mandate too big for the $30M remainder after the mandate.
	env.addIssue(t, issueSpec{id: 2, category: "Infrastructure", safety: true, pop: 600_000, compl: 900, cost: 60_000_000, urgency: 30})

	res, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)
	require.Len(t, res.Allocation.Approved, 1)
	require.Len(t, res.Allocation.Rejected, 1)

	approved := res.Allocation.Approved[0]
	assert.Equal(t, 1, approved.PriorityRank)
	assert.Equal(t, 45_000_000.0, approved.AllocatedBudget)

	rejected := res.Allocation.Rejected[0]
	assert.Equal(t, domain.RejectedRank, rejected.PriorityRank)
	assert.Equal(t, 0.0, rejected.AllocatedBudget)
	assert.Equal(t, 30_000_000.0, res.Allocation.BudgetRemaining)
}

func TestGreedyOrderingByDensity(t *testing.T) {
	env := newTestEnv(t, nil)
	// Equal cost, different risk: higher risk must get the better rank.
	env.addIssue(t, issueSpec{id: 1, category: "Health", safety: true, cost: 2_000_000, urgency: 10})                                        // score 3
	env.addIssue(t, issueSpec{id: 2, category: "Health", safety: true, pop: 200_000, compl: 100, cost: 2_000_000, urgency: 20})              // score 5
	env.addIssue(t, issueSpec{id: 3, category: "Health", safety: true, mandate: true, pop: 200_000, compl: 100, cost: 2_000_000, urgency: 5}) // mandate, score 8

	res, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)
	require.Len(t, res.Allocation.Approved, 3)

	rankByIssue := map[int64]int{}
	candidates, err := env.Engine.Repo.ListCandidates(env.Ctx)
	require.NoError(t, err)
	issueByProject := map[int64]int64{}
	for _, c := range candidates {
		issueByProject[c.ProjectID] = c.IssueID
	}
	for _, d := range res.Allocation.Approved {
		rankByIssue[issueByProject[d.ProjectID]] = d.PriorityRank
	}
	assert.Equal(t, 1, rankByIssue[3]) // mandate first
	assert.Equal(t, 2, rankByIssue[2]) // then higher density
	assert.Equal(t, 3, rankByIssue[1])
}

func TestCapacityForcesSecondProjectLater(t *testing.T) {
	cfg := config.Default()
	cfg.Crews.Capacities["electrical_crew"] = 3
	env := newTestEnv(t, cfg)
	// Two indoor projects, each 2 crew for 2 weeks, against capacity 3:
	// 2+2 > 3, so the second must wait for the first to finish.
	env.addIssue(t, issueSpec{id: 1, category: "Health", safety: true, mandate: true, cost: 2_000_000, urgency: 10})
	env.addIssue(t, issueSpec{id: 2, category: "Health", safety: true, mandate: true, cost: 2_000_000, urgency: 20})

	res, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)
	require.Len(t, res.Schedule.Placed, 2)
	assert.Empty(t, res.Schedule.Infeasible)
	assert.Empty(t, res.Schedule.Violations)

	first, second := res.Schedule.Placed[0], res.Schedule.Placed[1]
	assert.Equal(t, 1, first.StartWeek)
	assert.Equal(t, 2, first.EndWeek)
	assert.Equal(t, 3, second.StartWeek)
	assert.Equal(t, 4, second.EndWeek)
}

func TestWeatherShiftsOutdoorWork(t *testing.T) {
	env := newTestEnv(t, nil)
	// Outdoor 4-week project: every window through week 4 overlaps the
	// winter front (5 adverse days); weeks 5-8 only touch the rain front
	// (2 days), which is within tolerance.
	env.addIssue(t, issueSpec{id: 1, category: "Water", safety: true, mandate: true, pop: 450_000, compl: 1200, cost: 45_000_000, urgency: 7})

	res, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)
	require.Len(t, res.Schedule.Placed, 1)
	task := res.Schedule.Placed[0]
	assert.Equal(t, 5, task.StartWeek)
	assert.Equal(t, 8, task.EndWeek)
	assert.Equal(t, "water_crew", task.ResourceType)
}

type failingOracle struct{}

func (failingOracle) Forecast(context.Context, int, int, string) (weather.Forecast, error) {
	return weather.Forecast{}, errors.New("oracle down")
}

func TestOracleFailureFailsOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Weather = failingOracle{}
	env.addIssue(t, issueSpec{id: 1, category: "Water", safety: true, mandate: true, pop: 450_000, compl: 1200, cost: 45_000_000, urgency: 7})

	res, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)
	require.Len(t, res.Schedule.Placed, 1)
	// With the oracle unreachable the winter weeks are not excluded.
	assert.Equal(t, 1, res.Schedule.Placed[0].StartWeek)
}

func TestMissingSignalDefaultsToZero(t *testing.T) {
	env := newTestEnv(t, nil)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	err = env.Engine.Repo.InsertIssue(env.Ctx, tx, domain.Issue{
		ID: 1, Title: "no signal", Category: "Water", Source: "intake",
		Status: "OPEN", CreatedAt: "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	res, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)
	assert.Empty(t, res.Formation.Created)
	assert.Equal(t, 1, res.Formation.Skipped)
}

func TestSeededPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Engine.Init(env.Ctx))

	res, err := env.Engine.RunPipeline(env.Ctx, env.Engine.Config.QuarterlyBudget)
	require.NoError(t, err)

	assert.Len(t, res.Formation.Created, 5)
	assert.Equal(t, 2, res.Formation.Skipped)
	assert.Len(t, res.Allocation.Approved, 4)
	assert.Len(t, res.Allocation.Rejected, 1)
	assert.InDelta(t, 58_300_000, res.Allocation.TotalAllocated, 0.01)
	assert.Len(t, res.Schedule.Placed, 4)
	assert.Empty(t, res.Schedule.Infeasible)
	assert.Empty(t, res.Schedule.Violations)

	assert.Equal(t, 7, res.Summary.OpenIssues)
	assert.Equal(t, 5, res.Summary.Candidates)
	assert.Equal(t, 4, res.Summary.Approved)
	assert.Equal(t, 4, res.Summary.ScheduledTasks)
	assert.InDelta(t, 16_700_000, res.Summary.BudgetRemaining, 0.01)

	// Duration law and calendar invariant over everything placed.
	projects, err := env.Engine.Repo.ListApprovedProjects(env.Ctx)
	require.NoError(t, err)
	weeksByProject := map[int64]int{}
	for _, p := range projects {
		weeksByProject[p.ProjectID] = p.EstimatedWeeks
	}
	for _, task := range res.Schedule.Placed {
		assert.Equal(t, weeksByProject[task.ProjectID], task.EndWeek-task.StartWeek+1)
	}
	calendar, err := env.Engine.Repo.ListCalendar(env.Ctx, repo.CalendarFilters{})
	require.NoError(t, err)
	for _, entry := range calendar {
		assert.LessOrEqual(t, entry.Allocated, entry.Capacity,
			"%s week %d", entry.ResourceType, entry.WeekNumber)
	}

	// Approved projects carry display priorities 1..n by rank.
	var displays []int
	for _, d := range res.Projects {
		if d.DisplayPriority != nil {
			displays = append(displays, *d.DisplayPriority)
		}
	}
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, displays)
}

func TestDeterminism(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Engine.Init(env.Ctx))

	first, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)
	second, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)

	require.Len(t, second.Formation.Created, len(first.Formation.Created))
	for i := range first.Formation.Created {
		assert.Equal(t, first.Formation.Created[i].IssueID, second.Formation.Created[i].IssueID)
		assert.Equal(t, first.Formation.Created[i].RiskScore, second.Formation.Created[i].RiskScore)
	}
	require.Len(t, second.Allocation.Approved, len(first.Allocation.Approved))
	for i := range first.Allocation.Approved {
		assert.Equal(t, first.Allocation.Approved[i].PriorityRank, second.Allocation.Approved[i].PriorityRank)
		assert.Equal(t, first.Allocation.Approved[i].AllocatedBudget, second.Allocation.Approved[i].AllocatedBudget)
	}
	require.Len(t, second.Schedule.Placed, len(first.Schedule.Placed))
	for i := range first.Schedule.Placed {
		assert.Equal(t, first.Schedule.Placed[i].ProjectID, second.Schedule.Placed[i].ProjectID)
		assert.Equal(t, first.Schedule.Placed[i].StartWeek, second.Schedule.Placed[i].StartWeek)
		assert.Equal(t, first.Schedule.Placed[i].EndWeek, second.Schedule.Placed[i].EndWeek)
	}
}

func TestValidateCleanRun(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Engine.Init(env.Ctx))
	_, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)

	report, err := env.Engine.Validate(env.Ctx)
	require.NoError(t, err)
	assert.False(t, report.HasFindings(), report.Format())
}

func TestValidateFlagsOverAllocation(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Engine.Init(env.Ctx))
	_, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)

	// Corrupt the calendar behind the scheduler's back.
	_, err = env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE resource_calendar SET allocated = capacity + 5 WHERE resource_type='water_crew' AND week_number=5`)
	require.NoError(t, err)

	report, err := env.Engine.Validate(env.Ctx)
	require.NoError(t, err)
	assert.True(t, report.HasFindings())
	assert.NotEmpty(t, report.Schedule)
	assert.Contains(t, report.Format(), "water_crew")
}

func TestAuditTrailWritten(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Engine.Init(env.Ctx))
	_, err := env.Engine.RunPipeline(env.Ctx, 75_000_000)
	require.NoError(t, err)

	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{})
	require.NoError(t, err)
	byType := map[string]int{}
	for _, e := range entries {
		byType[e.EventType]++
	}
	assert.Equal(t, 5, byType["PROJECT_CANDIDATE_CREATED"])
	assert.Equal(t, 4, byType["PROJECT_APPROVED"])
	assert.Equal(t, 1, byType["PROJECT_REJECTED"])
	assert.Equal(t, 4, byType["TASK_SCHEDULED"])
}
