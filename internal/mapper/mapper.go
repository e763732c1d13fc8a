// package mapper transforms incident CSV batches into the downstream ingest
// schema. Input is read and output written row-by-row, so a mapping pass is
// safe over arbitrarily large batches.
package mapper

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/fieldops/incidentpipe/internal/weather"
)

// Enricher is the weather lookup used per row. A nil return means "no
// enrichment"; the weather columns are then written empty.
type Enricher interface {
	Lookup(ctx context.Context, lat, lon float64) *weather.Payload
}

// Input columns the mapper consumes. The source CSV may carry more; extras
// are ignored.
var requiredColumns = []string{
	"incident_id",
	"source",
	"incident_type",
	"severity",
	"status",
	"lat",
	"lon",
	"city",
	"country",
	"continent",
	"reported_at",
	"estimated_cost_eur",
	"risk_score",
}

// outputHeader is the fixed downstream schema.
var outputHeader = []string{
	"incident_id",
	"source",
	"incident_type",
	"severity",
	"status",
	"lat",
	"lon",
	"city",
	"country",
	"continent",
	"reported_at",
	"estimated_cost_eur",
	"estimated_cost_usd",
	"fx_eur_usd",
	"risk_score",
	"weather_source",
	"weather_temperature_c",
	"weather_wind_kmh",
	"weather_precip_mm",
	"weather_code",
	"weather_time_utc",
	"mapper_version",
	"processed_at_utc",
}

// Mapper converts one source batch to one mapped artifact.
type Mapper struct {
	Version  string
	Enricher Enricher

	// ProgressEvery controls progress log frequency in rows; <=0 disables.
	ProgressEvery int
}

// MapAll streams records from in to out, converting estimated_cost_eur to USD
// with fxRate and attaching weather enrichment keyed by the row coordinate.
// It returns the number of data rows written.
func (m *Mapper) MapAll(ctx context.Context, in io.Reader, out io.Writer, fxRate float64) (int, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("mapper: read header: %w", err)
	}
	idx := map[string]int{}
	for i, name := range header {
		idx[name] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return 0, fmt.Errorf("mapper: input missing column %q", col)
		}
	}

	w := csv.NewWriter(out)
	if err := w.Write(outputHeader); err != nil {
		return 0, fmt.Errorf("mapper: write header: %w", err)
	}

	processedAt := time.Now().UTC().Format(time.RFC3339)
	rows := 0
	for {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("mapper: read row %d: %w", rows+1, err)
		}

		field := func(name string) string {
			i := idx[name]
			if i >= len(rec) {
				return ""
			}
			return rec[i]
		}

		costEUR, err := strconv.ParseFloat(field("estimated_cost_eur"), 64)
		if err != nil {
			return rows, fmt.Errorf("mapper: row %d: bad estimated_cost_eur %q: %w", rows+1, field("estimated_cost_eur"), err)
		}
		costUSD := round6(costEUR * fxRate)

		var enrichment *weather.Payload
		lat, latErr := strconv.ParseFloat(field("lat"), 64)
		lon, lonErr := strconv.ParseFloat(field("lon"), 64)
		if m.Enricher != nil && latErr == nil && lonErr == nil {
			enrichment = m.Enricher.Lookup(ctx, lat, lon)
		}

		row := []string{
			field("incident_id"),
			field("source"),
			field("incident_type"),
			field("severity"),
			field("status"),
			field("lat"),
			field("lon"),
			field("city"),
			field("country"),
			field("continent"),
			field("reported_at"),
			formatFloat(costEUR),
			formatFloat(costUSD),
			formatFloat(fxRate),
			field("risk_score"),
		}
		row = append(row, weatherColumns(enrichment)...)
		row = append(row, m.Version, processedAt)

		if err := w.Write(row); err != nil {
			return rows, fmt.Errorf("mapper: write row %d: %w", rows+1, err)
		}
		rows++
		if m.ProgressEvery > 0 && rows%m.ProgressEvery == 0 {
			log.Printf("[mapper] %d rows mapped", rows)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return rows, fmt.Errorf("mapper: flush: %w", err)
	}
	return rows, nil
}

// weatherColumns renders the six weather output columns; absent enrichment
// fields are written empty, never fabricated.
func weatherColumns(p *weather.Payload) []string {
	if p == nil {
		return []string{"", "", "", "", "", ""}
	}
	cols := []string{p.Source, "", "", "", "", p.TimeUTC}
	if p.TemperatureC != nil {
		cols[1] = formatFloat(*p.TemperatureC)
	}
	if p.WindKmh != nil {
		cols[2] = formatFloat(*p.WindKmh)
	}
	if p.PrecipMm != nil {
		cols[3] = formatFloat(*p.PrecipMm)
	}
	if p.Code != nil {
		cols[4] = strconv.Itoa(*p.Code)
	}
	return cols
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
