package repo

import (
	"context"
	"time"

	"civicplan/internal/domain"
)

type seedIssue struct {
	issue  domain.Issue
	signal domain.Signal
}

func sampleBacklog(createdAt string) []seedIssue {
	issues := []domain.Issue{
		{ID: 1, Title: "Major Water Pipeline Rupture", Category: "Water",
			Description: "Critical water main break affecting downtown area", Source: "emergency_report"},
		{ID: 2, Title: "Hospital Power Backup Failure", Category: "Health",
			Description: "Primary backup generator at City Hospital non-functional", Source: "facility_inspection"},
		{ID: 3, Title: "Urban Flooding in Low-Lying Areas", Category: "Disaster Management",
			Description: "Recurring flooding in Districts 4 and 7 during monsoon", Source: "citizen_complaint"},
		{ID: 4, Title: "Pothole Complaints in Residential Zones", Category: "Infrastructure",
			Description: "Multiple potholes reported on Main St and Oak Ave", Source: "citizen_complaint"},
		{ID: 5, Title: "Public Park Renovation Delay", Category: "Recreation",
			Description: "Central Park playground equipment outdated", Source: "council_request"},
		{ID: 6, Title: "Street Light Outages", Category: "Infrastructure",
			Description: "Multiple street lights non-functional in Sector 12", Source: "citizen_complaint"},
		{ID: 7, Title: "School Zone Safety Improvements", Category: "Education",
			Description: "Need for crosswalks and speed bumps near Lincoln Elementary", Source: "citizen_complaint"},
	}
	signals := []domain.Signal{
		{IssueID: 1, PopulationAffected: 450000, ComplaintCount: 1200, SafetyRisk: true, LegalMandate: true, EstimatedCost: 45000000, UrgencyDays: 7},
		{IssueID: 2, PopulationAffected: 180000, ComplaintCount: 300, SafetyRisk: true, LegalMandate: true, EstimatedCost: 12000000, UrgencyDays: 14},
		{IssueID: 3, PopulationAffected: 600000, ComplaintCount: 900, SafetyRisk: true, LegalMandate: false, EstimatedCost: 60000000, UrgencyDays: 30},
		{IssueID: 4, PopulationAffected: 80000, ComplaintCount: 40, SafetyRisk: false, LegalMandate: false, EstimatedCost: 4000000, UrgencyDays: 60},
		{IssueID: 5, PopulationAffected: 15000, ComplaintCount: 12, SafetyRisk: false, LegalMandate: false, EstimatedCost: 2500000, UrgencyDays: 180},
		{IssueID: 6, PopulationAffected: 25000, ComplaintCount: 85, SafetyRisk: true, LegalMandate: false, EstimatedCost: 800000, UrgencyDays: 45},
		{IssueID: 7, PopulationAffected: 5000, ComplaintCount: 150, SafetyRisk: true, LegalMandate: false, EstimatedCost: 500000, UrgencyDays: 30},
	}
	seed := make([]seedIssue, len(issues))
	for i := range issues {
		issues[i].Status = "OPEN"
		issues[i].CreatedAt = createdAt
		seed[i] = seedIssue{issue: issues[i], signal: signals[i]}
	}
	return seed
}

// SeedSampleData replaces all data with the demonstration backlog and a
// fresh resource calendar.
func (r Repo) SeedSampleData(ctx context.Context, capacities map[string]int, horizonWeeks int, now time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM schedule_tasks`,
		`DELETE FROM portfolio_decisions`,
		`DELETE FROM project_candidates`,
		`DELETE FROM resource_calendar`,
		`DELETE FROM issue_signals`,
		`DELETE FROM issues`,
		`DELETE FROM audit_log`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	createdAt := now.UTC().Format(time.RFC3339)
	for _, s := range sampleBacklog(createdAt) {
		if err := r.InsertIssue(ctx, tx, s.issue); err != nil {
			return err
		}
		if err := r.InsertSignal(ctx, tx, s.signal); err != nil {
			return err
		}
	}

	if err := r.EnsureCalendar(ctx, tx, capacities, horizonWeeks); err != nil {
		return err
	}
	return tx.Commit()
}
