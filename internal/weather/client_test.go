package weather

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T, calls *int64, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		if fail != nil && fail.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"current":{"temperature_2m":18.4,"wind_speed_10m":12.1,"precipitation":0.0,"weather_code":3,"time":"2026-08-23T10:00"}}`)
	}))
}

func testConfig(baseURL string) Config {
	return Config{
		Enabled:       true,
		BaseURL:       baseURL,
		Timeout:       2 * time.Second,
		CacheTTL:      time.Hour,
		RoundDecimals: 1,
		RPS:           0, // no throttling in tests
		BatchBudget:   100,
		FailStreakMax: 5,
		Cooldown:      time.Minute,
	}
}

func TestLookupDisabled(t *testing.T) {
	var calls int64
	srv := newProvider(t, &calls, nil)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Enabled = false
	c := New(cfg)

	assert.Nil(t, c.Lookup(context.Background(), 38.7223, -9.1393))
	assert.EqualValues(t, 0, atomic.LoadInt64(&calls))
}

func TestLookupQuantizedCacheCoalescing(t *testing.T) {
	var calls int64
	srv := newProvider(t, &calls, nil)
	defer srv.Close()

	c := New(testConfig(srv.URL))

	// both coordinates round to 38.7:-9.1
	p1 := c.Lookup(context.Background(), 38.7223, -9.1393)
	p2 := c.Lookup(context.Background(), 38.6951, -9.1402)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))

	assert.Equal(t, "open-meteo", p1.Source)
	require.NotNil(t, p1.TemperatureC)
	assert.InDelta(t, 18.4, *p1.TemperatureC, 1e-9)
	require.NotNil(t, p1.Code)
	assert.Equal(t, 3, *p1.Code)
}

func TestLookupBatchBudget(t *testing.T) {
	var calls int64
	srv := newProvider(t, &calls, nil)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.BatchBudget = 1
	c := New(cfg)

	assert.NotNil(t, c.Lookup(context.Background(), 38.7, -9.1))
	assert.Nil(t, c.Lookup(context.Background(), 48.8, 2.3)) // budget exhausted
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))

	c.ResetBudget()
	assert.NotNil(t, c.Lookup(context.Background(), 48.8, 2.3))
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestLookupCircuitBreaker(t *testing.T) {
	var calls int64
	var fail atomic.Bool
	fail.Store(true)
	srv := newProvider(t, &calls, &fail)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.FailStreakMax = 2
	c := New(cfg)

	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	// two consecutive failures open the circuit
	assert.Nil(t, c.Lookup(context.Background(), 38.7, -9.1))
	assert.Nil(t, c.Lookup(context.Background(), 48.8, 2.3))
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))

	// cooldown active: no provider call
	assert.Nil(t, c.Lookup(context.Background(), 51.5, -0.1))
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))

	// after the cooldown elapses, calls resume
	now = now.Add(cfg.Cooldown + time.Second)
	fail.Store(false)
	assert.NotNil(t, c.Lookup(context.Background(), 51.5, -0.1))
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestLookupCacheExpiry(t *testing.T) {
	var calls int64
	srv := newProvider(t, &calls, nil)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.CacheTTL = time.Minute
	c := New(cfg)

	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NotNil(t, c.Lookup(context.Background(), 38.7, -9.1))
	require.NotNil(t, c.Lookup(context.Background(), 38.7, -9.1))
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))

	now = now.Add(2 * time.Minute)
	require.NotNil(t, c.Lookup(context.Background(), 38.7, -9.1))
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestQuantizeKey(t *testing.T) {
	c := New(testConfig("http://unused"))
	assert.Equal(t, "38.7:-9.1", c.quantize(38.7223, -9.1393))
	assert.Equal(t, "-33.9:151.2", c.quantize(-33.8688, 151.2093))
}
