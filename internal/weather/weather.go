// Package weather provides the forecast oracle consulted by the scheduler
// before placing outdoor work.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Forecast summarizes expected conditions over a window of weeks.
type Forecast struct {
	AdverseDays    int    `json:"adverse_days"`
	AdverseWeeks   []int  `json:"adverse_weather_weeks"`
	RiskLevel      string `json:"weather_risk" enum:"low,medium,high"`
	Recommendation string `json:"recommendation"`
	Location       string `json:"location,omitempty"`
	ForecastPeriod string `json:"forecast_period,omitempty"`
}

// Oracle answers forecast queries for a week window. Implementations must
// be safe for concurrent use.
type Oracle interface {
	Forecast(ctx context.Context, startWeek, endWeek int, location string) (Forecast, error)
}

// MaxAdverseDays is the largest number of adverse days in a window for
// which outdoor work is still allowed to start.
const MaxAdverseDays = 2

// IsOutdoorWork reports whether a project is exposed to weather, by its
// issue category or required crew type.
func IsOutdoorWork(category, crewType string) bool {
	switch category {
	case "Infrastructure", "Water", "Construction":
		return true
	}
	switch crewType {
	case "construction_crew", "water_crew", "general_crew":
		return true
	}
	return false
}

// Simulated is a deterministic in-process oracle: weeks 3-4 carry five
// days of winter weather, weeks 8-9 two days of rain.
type Simulated struct{}

func (Simulated) Forecast(_ context.Context, startWeek, endWeek int, location string) (Forecast, error) {
	f := Forecast{
		Location:       location,
		ForecastPeriod: fmt.Sprintf("Weeks %d-%d", startWeek, endWeek),
	}
	if overlaps(startWeek, endWeek, 3, 4) {
		f.AdverseDays += 5
		f.AdverseWeeks = append(f.AdverseWeeks, weeksIn(startWeek, endWeek, 3, 4)...)
	}
	if overlaps(startWeek, endWeek, 8, 9) {
		f.AdverseDays += 2
		f.AdverseWeeks = append(f.AdverseWeeks, weeksIn(startWeek, endWeek, 8, 9)...)
	}
	switch {
	case f.AdverseDays > 3:
		f.RiskLevel = "high"
	case f.AdverseDays > 0:
		f.RiskLevel = "medium"
	default:
		f.RiskLevel = "low"
	}
	switch {
	case f.AdverseDays > MaxAdverseDays:
		f.Recommendation = "Consider rescheduling outdoor work"
	case f.AdverseDays > 0:
		f.Recommendation = "Monitor weather, minor risk"
	default:
		f.Recommendation = "Weather looks favorable"
	}
	return f, nil
}

func overlaps(start, end, lo, hi int) bool {
	return start <= hi && end >= lo
}

func weeksIn(start, end, lo, hi int) []int {
	var weeks []int
	for w := max(lo, start); w <= min(hi, end); w++ {
		weeks = append(weeks, w)
	}
	return weeks
}

const defaultTimeout = 5 * time.Second

// Client queries an external forecast service over HTTP. It is used when
// weather.service_url is configured; otherwise the pipeline falls back to
// Simulated.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) Forecast(ctx context.Context, startWeek, endWeek int, location string) (Forecast, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("start_week", fmt.Sprint(startWeek))
	q.Set("end_week", fmt.Sprint(endWeek))
	q.Set("location", location)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/forecast?"+q.Encode(), nil)
	if err != nil {
		return Forecast{}, fmt.Errorf("weather request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Forecast{}, fmt.Errorf("weather service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Forecast{}, fmt.Errorf("weather service returned %d: %s", resp.StatusCode, string(body))
	}

	var f Forecast
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return Forecast{}, fmt.Errorf("decode weather response: %w", err)
	}
	return f, nil
}
