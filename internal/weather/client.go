// package weather is the cached, rate-limited, circuit-breaking client for
// the weather-by-coordinate enrichment provider. Enrichment is best-effort:
// every failure mode returns nil and the mapper emits empty weather columns.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config mirrors the WEATHER_* environment knobs.
type Config struct {
	Enabled       bool
	BaseURL       string
	Timeout       time.Duration
	CacheTTL      time.Duration
	RoundDecimals int
	RPS           float64
	BatchBudget   int
	FailStreakMax int
	Cooldown      time.Duration
}

// Payload is the enrichment attached to a record. Pointer fields stay nil
// when the provider omitted them; they are never fabricated.
type Payload struct {
	Source       string
	TemperatureC *float64
	WindKmh      *float64
	PrecipMm     *float64
	Code         *int
	TimeUTC      string
}

type cacheEntry struct {
	payload   *Payload
	expiresAt time.Time
}

// Client coalesces lookups through a quantized-coordinate cache and shields
// the mapping pass from a flaky provider via a per-batch call budget, a
// fail-streak circuit breaker and a requests-per-second throttle. The cache
// is process-local and lost on restart.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	// now is swappable for tests.
	now func() time.Time

	mu            sync.Mutex
	cache         map[string]cacheEntry
	failStreak    int
	cooldownUntil time.Time
	budgetUsed    int
}

// New applies defaults matching the provider wrapper this replaces.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.FailStreakMax <= 0 {
		cfg.FailStreakMax = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		now:   time.Now,
		cache: map[string]cacheEntry{},
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return c
}

// ResetBudget restores the per-batch provider call budget. The submission
// coordinator calls it once per mapping pass.
func (c *Client) ResetBudget() {
	c.mu.Lock()
	c.budgetUsed = 0
	c.mu.Unlock()
}

// Lookup returns the enrichment for a coordinate, or nil when enrichment is
// disabled, skipped, or the provider failed. Evaluation order: disabled ->
// cache -> batch budget -> breaker cooldown -> throttle -> provider call.
func (c *Client) Lookup(ctx context.Context, lat, lon float64) *Payload {
	if !c.cfg.Enabled {
		return nil
	}

	key := c.quantize(lat, lon)

	c.mu.Lock()
	if e, ok := c.cache[key]; ok {
		if c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.payload
		}
		delete(c.cache, key)
	}
	if c.cfg.BatchBudget > 0 && c.budgetUsed >= c.cfg.BatchBudget {
		c.mu.Unlock()
		return nil
	}
	if c.now().Before(c.cooldownUntil) {
		c.mu.Unlock()
		return nil
	}
	c.budgetUsed++
	c.mu.Unlock()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
	}

	payload, err := c.fetch(ctx, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		log.Printf("[weather] fetch failed key=%s: %v", key, err)
		c.failStreak++
		if c.failStreak >= c.cfg.FailStreakMax {
			c.cooldownUntil = c.now().Add(c.cfg.Cooldown)
			c.failStreak = 0
			log.Printf("[weather] too many failures, cooling down %s", c.cfg.Cooldown)
		}
		return nil
	}
	c.failStreak = 0
	c.cache[key] = cacheEntry{payload: payload, expiresAt: c.now().Add(c.cfg.CacheTTL)}
	return payload
}

// quantize rounds both coordinates to the configured precision. One decimal
// is roughly 11km, which keeps cache key cardinality and call volume low.
func (c *Client) quantize(lat, lon float64) string {
	d := c.cfg.RoundDecimals
	p := math.Pow10(d)
	latQ := math.Round(lat*p) / p
	lonQ := math.Round(lon*p) / p
	return strconv.FormatFloat(latQ, 'f', d, 64) + ":" + strconv.FormatFloat(lonQ, 'f', d, 64)
}

func (c *Client) fetch(ctx context.Context, key string) (*Payload, error) {
	latStr, lonStr, _ := splitKey(key)

	q := url.Values{}
	q.Set("latitude", latStr)
	q.Set("longitude", lonStr)
	q.Set("current", "temperature_2m,wind_speed_10m,precipitation,weather_code")
	q.Set("timezone", "UTC")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider status: %s", resp.Status)
	}

	var body struct {
		Current struct {
			Temperature   *float64 `json:"temperature_2m"`
			WindSpeed     *float64 `json:"wind_speed_10m"`
			Precipitation *float64 `json:"precipitation"`
			WeatherCode   *int     `json:"weather_code"`
			Time          string   `json:"time"`
		} `json:"current"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Payload{
		Source:       "open-meteo",
		TemperatureC: body.Current.Temperature,
		WindKmh:      body.Current.WindSpeed,
		PrecipMm:     body.Current.Precipitation,
		Code:         body.Current.WeatherCode,
		TimeUTC:      body.Current.Time,
	}, nil
}

func splitKey(key string) (lat, lon string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}
