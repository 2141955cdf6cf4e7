package servers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

// DefaultAPIBase is the status API that answers GET <base><ip>:<port>.
const DefaultAPIBase = "https://ofp-api.herokuapp.com/"

// maxStatusBody caps how much of a status response is decoded.
const maxStatusBody = 1 << 20

// Fetcher queries one server's status. Implementations always return a settled
// record and never fail the caller.
type Fetcher interface {
	Fetch(ctx context.Context, rec Record) Record
}

// StatusFetcher queries the HTTP status API.
type StatusFetcher struct {
	APIBase string
	Client  *http.Client
	now     func() time.Time
}

// NewStatusFetcher returns a fetcher against apiBase whose requests give up after timeout.
func NewStatusFetcher(apiBase string, timeout time.Duration) *StatusFetcher {
	return &StatusFetcher{
		APIBase: apiBase,
		Client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// URL is the status query target for addr.
func (f *StatusFetcher) URL(addr Address) string {
	return f.APIBase + addr.String()
}

// Fetch queries rec's server and returns rec updated with the outcome.
// The returned record is always Loaded=true.
func (f *StatusFetcher) Fetch(ctx context.Context, rec Record) Record {
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	rec.Polls++
	rec.LastAttempt = now()
	rec.Loaded = true

	payload, err := f.query(ctx, rec.Address)
	if err != nil {
		klog.V(2).InfoS("Status query failed", "server", rec.Address.String(), "err", err)
		metricFetches.WithLabelValues("failed").Inc()
		return markFailed(rec, err)
	}

	players, err := strconv.Atoi(payload.NumPlayers)
	if err != nil || players < 0 {
		klog.V(2).InfoS("Bad player count", "server", rec.Address.String(), "numplayers", payload.NumPlayers)
		metricFetches.WithLabelValues("malformed").Inc()
		return markFailed(rec, fmt.Errorf("%w: numplayers %q", ErrMalformedPayload, payload.NumPlayers))
	}

	metricFetches.WithLabelValues("loaded").Inc()
	rec.Status = StatusLoaded
	rec.Payload = payload
	rec.NumPlayers = players
	rec.Err = nil
	rec.LastGoodPoll = rec.LastAttempt
	return rec
}

func (f *StatusFetcher) query(ctx context.Context, addr Address) (*Payload, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrServerUnreachable, resp.StatusCode)
	}

	var payload Payload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxStatusBody)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &payload, nil
}

func markFailed(rec Record, err error) Record {
	rec.Loaded = true
	rec.Status = StatusFailed
	rec.Payload = nil
	rec.NumPlayers = 0
	rec.Err = err
	return rec
}
