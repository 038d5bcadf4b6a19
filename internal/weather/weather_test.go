package weather

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedForecast(t *testing.T) {
	ctx := context.Background()
	var sim Simulated

	t.Run("winter window", func(t *testing.T) {
		f, err := sim.Forecast(ctx, 2, 5, "Metroville")
		require.NoError(t, err)
		assert.Equal(t, 5, f.AdverseDays)
		assert.Equal(t, []int{3, 4}, f.AdverseWeeks)
		assert.Equal(t, "high", f.RiskLevel)
		assert.Equal(t, "Consider rescheduling outdoor work", f.Recommendation)
	})

	t.Run("rain window", func(t *testing.T) {
		f, err := sim.Forecast(ctx, 8, 9, "Metroville")
		require.NoError(t, err)
		assert.Equal(t, 2, f.AdverseDays)
		assert.Equal(t, []int{8, 9}, f.AdverseWeeks)
		assert.Equal(t, "medium", f.RiskLevel)
		assert.Equal(t, "Monitor weather, minor risk", f.Recommendation)
	})

	t.Run("clear window", func(t *testing.T) {
		f, err := sim.Forecast(ctx, 5, 7, "Metroville")
		require.NoError(t, err)
		assert.Equal(t, 0, f.AdverseDays)
		assert.Empty(t, f.AdverseWeeks)
		assert.Equal(t, "low", f.RiskLevel)
		assert.Equal(t, "Weather looks favorable", f.Recommendation)
	})

	t.Run("full horizon accumulates both fronts", func(t *testing.T) {
		f, err := sim.Forecast(ctx, 1, 12, "Metroville")
		require.NoError(t, err)
		assert.Equal(t, 7, f.AdverseDays)
		assert.Equal(t, []int{3, 4, 8, 9}, f.AdverseWeeks)
		assert.Equal(t, "high", f.RiskLevel)
	})
}

func TestIsOutdoorWork(t *testing.T) {
	assert.True(t, IsOutdoorWork("Infrastructure", "electrical_crew"))
	assert.True(t, IsOutdoorWork("Water", "water_crew"))
	assert.True(t, IsOutdoorWork("Health", "general_crew"))
	assert.False(t, IsOutdoorWork("Health", "electrical_crew"))
}

func TestClientForecast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forecast", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("start_week"))
		assert.Equal(t, "5", r.URL.Query().Get("end_week"))
		assert.Equal(t, "Metroville", r.URL.Query().Get("location"))
		json.NewEncoder(w).Encode(Forecast{AdverseDays: 5, AdverseWeeks: []int{3, 4}, RiskLevel: "high"})
	}))
	defer srv.Close()

	f, err := NewClient(srv.URL).Forecast(context.Background(), 2, 5, "Metroville")
	require.NoError(t, err)
	assert.Equal(t, 5, f.AdverseDays)
	assert.Equal(t, "high", f.RiskLevel)
}

func TestClientForecastServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Forecast(context.Background(), 1, 4, "Metroville")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
