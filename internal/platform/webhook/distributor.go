// Package webhook distributes finalized reports to downstream systems
// (EHR inbox, referrer portals) by POSTing HMAC-signed JSON.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/events"
)

const (
	SignatureHeader = "X-Signature-256"
	EventHeader     = "X-Event-Type"
	DeliveryHeader  = "X-Delivery-ID"
)

// Endpoint is a configured distribution target.
type Endpoint struct {
	URL    string
	Secret string
}

// Attempt records a single delivery attempt.
type Attempt struct {
	ID         string        `json:"id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	StudyUID   string        `json:"study_uid,omitempty"`
	URL        string        `json:"url"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code"`
	Status     string        `json:"status"` // "success" or "failed"
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SignPayload computes the hex HMAC-SHA256 of payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header value against payload.
func VerifySignature(payload []byte, secret, header string) bool {
	sig := strings.TrimPrefix(header, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(sig))
}

// ValidateURL checks that rawURL is absolute http(s).
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

type Option func(*Distributor)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Distributor) { d.client = c }
}

// WithRetryDelays sets the waits between attempts; len(delays)+1 attempts
// are made in total.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Distributor) { d.delays = delays }
}

// WithObserver registers a callback invoked with the final outcome of each
// endpoint delivery.
func WithObserver(fn func(err error)) Option {
	return func(d *Distributor) { d.observe = fn }
}

const maxAttemptsLogged = 500

// Distributor delivers events to every configured endpoint.
type Distributor struct {
	endpoints []Endpoint
	client    *http.Client
	delays    []time.Duration
	logger    zerolog.Logger
	observe   func(err error)

	mu       sync.Mutex
	attempts []Attempt
}

func NewDistributor(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Distributor, error) {
	for _, ep := range endpoints {
		if err := ValidateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("distribution endpoint %q: %w", ep.URL, err)
		}
		if ep.Secret == "" {
			return nil, fmt.Errorf("distribution endpoint %q: secret is required", ep.URL)
		}
	}
	d := &Distributor{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		delays:    []time.Duration{time.Second, 5 * time.Second},
		logger:    logger.With().Str("component", "distributor").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// HandleReportFinalized is the events.Handler for report.finalized.
func (d *Distributor) HandleReportFinalized(ctx context.Context, evt events.Event) error {
	p, ok := evt.Payload.(events.ReportFinalized)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}
	return d.Deliver(ctx, evt, p.StudyUID)
}

// Deliver sends evt to every endpoint, retrying each independently.
func (d *Distributor) Deliver(ctx context.Context, evt events.Event, studyUID string) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	for _, ep := range d.endpoints {
		err := d.deliverWithRetry(ctx, ep, evt, studyUID, payload)
		if d.observe != nil {
			d.observe(err)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Distributor) deliverWithRetry(ctx context.Context, ep Endpoint, evt events.Event, studyUID string, payload []byte) error {
	var last error
	for attempt := 1; attempt <= len(d.delays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.delays[attempt-2]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		a := d.post(ctx, ep, evt, payload)
		a.Attempt = attempt
		a.StudyUID = studyUID
		d.record(a)

		if a.Status == "success" {
			return nil
		}
		last = errors.New(a.Error)
		d.logger.Warn().
			Str("study_uid", studyUID).
			Str("url", ep.URL).
			Int("attempt", attempt).
			Str("error", a.Error).
			Msg("distribution attempt failed")
	}
	d.logger.Error().Str("study_uid", studyUID).Str("url", ep.URL).Msg("distribution gave up")
	return fmt.Errorf("deliver to %s: %w", ep.URL, last)
}

func (d *Distributor) post(ctx context.Context, ep Endpoint, evt events.Event, payload []byte) Attempt {
	a := Attempt{
		ID:        uuid.NewString(),
		EventID:   evt.ID,
		EventType: evt.Type,
		URL:       ep.URL,
		Status:    "failed",
		CreatedAt: time.Now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set(EventHeader, evt.Type)
	req.Header.Set(DeliveryHeader, evt.ID)

	start := time.Now()
	resp, err := d.client.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Status = "success"
	} else {
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

func (d *Distributor) record(a Attempt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, a)
	if len(d.attempts) > maxAttemptsLogged {
		d.attempts = d.attempts[len(d.attempts)-maxAttemptsLogged:]
	}
}

// Attempts returns logged attempts, newest first, optionally for one study.
func (d *Distributor) Attempts(studyUID string) []Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Attempt, 0, len(d.attempts))
	for i := len(d.attempts) - 1; i >= 0; i-- {
		if studyUID == "" || d.attempts[i].StudyUID == studyUID {
			out = append(out, d.attempts[i])
		}
	}
	return out
}
