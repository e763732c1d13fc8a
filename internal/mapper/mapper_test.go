package mapper_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/incidentpipe/internal/mapper"
	"github.com/fieldops/incidentpipe/internal/weather"
)

const inputHeader = "incident_id,source,incident_type,severity,status,lat,lon,city,country,continent,reported_at,estimated_cost_eur,risk_score"

type stubEnricher struct {
	calls    int
	payloads map[string]*weather.Payload
}

func (s *stubEnricher) Lookup(ctx context.Context, lat, lon float64) *weather.Payload {
	s.calls++
	if s.payloads == nil {
		return nil
	}
	// keyed loosely by city coordinates used in the fixtures
	for _, p := range s.payloads {
		return p
	}
	return nil
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestMapAllConvertsAndEnriches(t *testing.T) {
	in := strings.Join([]string{
		inputHeader,
		"INC-1,sensor,fire,high,reported,38.7223,-9.1393,Lisbon,Portugal,Europe,2026-08-20T12:00:00Z,1000,0.7",
	}, "\n")

	enr := &stubEnricher{payloads: map[string]*weather.Payload{
		"lisbon": {
			Source:       "open-meteo",
			TemperatureC: floatPtr(21.5),
			WindKmh:      floatPtr(10),
			PrecipMm:     floatPtr(0),
			Code:         intPtr(2),
			TimeUTC:      "2026-08-23T10:00",
		},
	}}

	m := &mapper.Mapper{Version: "1.0.0", Enricher: enr}
	var out bytes.Buffer
	rows, err := m.MapAll(context.Background(), strings.NewReader(in), &out, 1.1)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
	assert.Equal(t, 1, enr.calls)

	records, err := csv.NewReader(&out).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	header := records[0]
	row := records[1]
	get := func(col string) string {
		for i, h := range header {
			if h == col {
				return row[i]
			}
		}
		t.Fatalf("column %q not in output header", col)
		return ""
	}

	assert.Equal(t, "INC-1", get("incident_id"))
	assert.Equal(t, "1000", get("estimated_cost_eur"))
	assert.Equal(t, "1100", get("estimated_cost_usd"))
	assert.Equal(t, "1.1", get("fx_eur_usd"))
	assert.Equal(t, "open-meteo", get("weather_source"))
	assert.Equal(t, "21.5", get("weather_temperature_c"))
	assert.Equal(t, "2", get("weather_code"))
	assert.Equal(t, "1.0.0", get("mapper_version"))
	assert.NotEmpty(t, get("processed_at_utc"))
}

func TestMapAllEmptyWeatherColumnsWhenEnrichmentMisses(t *testing.T) {
	in := strings.Join([]string{
		inputHeader,
		"INC-2,citizen,flood,low,validated,48.8566,2.3522,Paris,France,Europe,2026-08-21T08:00:00Z,250.5,0.2",
	}, "\n")

	// enricher always returns nil: provider degraded
	m := &mapper.Mapper{Version: "1.0.0", Enricher: &stubEnricher{}}
	var out bytes.Buffer
	rows, err := m.MapAll(context.Background(), strings.NewReader(in), &out, 1.08)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	records, err := csv.NewReader(&out).ReadAll()
	require.NoError(t, err)
	row := records[1]
	header := records[0]
	for i, h := range header {
		switch h {
		case "weather_source", "weather_temperature_c", "weather_wind_kmh",
			"weather_precip_mm", "weather_code", "weather_time_utc":
			assert.Emptyf(t, row[i], "column %s must be empty", h)
		}
	}
	// cost_usd = round(250.5 * 1.08, 6)
	for i, h := range header {
		if h == "estimated_cost_usd" {
			assert.Equal(t, "270.54", row[i])
		}
	}
}

func TestMapAllStreamsManyRows(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(inputHeader + "\n")
	for i := 0; i < 500; i++ {
		sb.WriteString("INC-X,sensor,outage,low,reported,52.52,13.405,Berlin,Germany,Europe,2026-08-20T00:00:00Z,10,0.1\n")
	}

	m := &mapper.Mapper{Version: "1.0.0", ProgressEvery: 100}
	var out bytes.Buffer
	rows, err := m.MapAll(context.Background(), strings.NewReader(sb.String()), &out, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 500, rows)
}

func TestMapAllMissingColumn(t *testing.T) {
	in := "incident_id,lat,lon\nINC-1,1,2\n"
	m := &mapper.Mapper{Version: "1.0.0"}
	var out bytes.Buffer
	_, err := m.MapAll(context.Background(), strings.NewReader(in), &out, 1.0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}

func TestMapAllBadCost(t *testing.T) {
	in := strings.Join([]string{
		inputHeader,
		"INC-1,sensor,fire,high,reported,38.7,-9.1,Lisbon,Portugal,Europe,2026-08-20T12:00:00Z,notanumber,0.7",
	}, "\n")
	m := &mapper.Mapper{Version: "1.0.0"}
	var out bytes.Buffer
	_, err := m.MapAll(context.Background(), strings.NewReader(in), &out, 1.0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "estimated_cost_eur")
}
