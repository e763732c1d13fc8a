// package fxrate resolves the EUR->USD conversion rate used by the record
// mapper. The primary source is the XML-RPC rate service; on any failure the
// resolver falls back to one REST call, and gives up after that.
package fxrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/kolo/xmlrpc"
)

// ErrRateUnavailable is returned when both the primary and the fallback
// source fail. The current poll cycle's mapping pass is aborted and retried
// on the next interval.
var ErrRateUnavailable = errors.New("fxrate: rate unavailable")

const rpcMethod = "get_eur_usd_rate"

// Resolver fetches the rate once per call; no caching, callers invoke it once
// per batch and accept the latency.
type Resolver struct {
	rpcURL      string
	fallbackURL string
	timeout     time.Duration
	httpClient  *http.Client
}

// New returns a Resolver. rpcURL may be empty, in which case only the REST
// fallback is consulted.
func New(rpcURL, fallbackURL string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Resolver{
		rpcURL:      rpcURL,
		fallbackURL: fallbackURL,
		timeout:     timeout,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Resolve attempts the primary XML-RPC call, then the REST fallback. The
// fallback order is fixed and there is no retry beyond the one fallback step.
func (r *Resolver) Resolve(ctx context.Context) (float64, error) {
	if r.rpcURL != "" {
		rate, err := r.resolvePrimary()
		if err == nil {
			return rate, nil
		}
		log.Printf("[fxrate] primary rpc failed: %v (falling back to REST)", err)
	}

	rate, err := r.resolveFallback(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	return rate, nil
}

func (r *Resolver) resolvePrimary() (float64, error) {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: r.timeout}).DialContext,
		ResponseHeaderTimeout: r.timeout,
	}
	client, err := xmlrpc.NewClient(r.rpcURL, transport)
	if err != nil {
		return 0, fmt.Errorf("build xmlrpc client: %w", err)
	}
	defer client.Close()

	var rate float64
	if err := client.Call(rpcMethod, nil, &rate); err != nil {
		return 0, fmt.Errorf("call %s: %w", rpcMethod, err)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("call %s: non-positive rate %v", rpcMethod, rate)
	}
	return rate, nil
}

// resolveFallback fetches the rate from a REST endpoint. Two response shapes
// are accepted: {"rates":{"USD":x}} (Frankfurter) and
// {"conversion_rates":{"USD":x}}.
func (r *Resolver) resolveFallback(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.fallbackURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build fallback request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fallback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fallback status: %s", resp.Status)
	}

	var body struct {
		Rates           map[string]float64 `json:"rates"`
		ConversionRates map[string]float64 `json:"conversion_rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode fallback response: %w", err)
	}
	if v, ok := body.Rates["USD"]; ok && v > 0 {
		return v, nil
	}
	if v, ok := body.ConversionRates["USD"]; ok && v > 0 {
		return v, nil
	}
	return 0, fmt.Errorf("fallback response missing USD rate")
}
