// Package telemetry reports errors that escaped the code that caused them.
//
// Every report becomes an error growl. When the user has opted into sending logs
// and an endpoint is configured, the report is also shipped over HTTP in the
// background, rate limited and with retries. Shipping is best effort and never
// blocks the caller.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/roomlink/pkg/metrics"
	"github.com/go-go-golems/roomlink/pkg/model"
)

const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeLimited = "limited"
)

type Settings struct {
	URL     string
	Version string
	// Rate is the number of reports shipped per second, with a burst of Burst.
	Rate     float64
	Burst    int
	RetryMax int
	Timeout  time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Rate <= 0 {
		s.Rate = 0.2
	}
	if s.Burst <= 0 {
		s.Burst = 5
	}
	if s.RetryMax < 0 {
		s.RetryMax = 0
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	return s
}

// Sink is the part of the store a reporter writes to.
type Sink interface {
	GrowlError(text string)
	Settings() model.Settings
}

// Report is the JSON body posted to the endpoint.
type Report struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
	Version string    `json:"version,omitempty"`
	At      time.Time `json:"at"`
}

type Reporter struct {
	settings Settings
	sink     Sink
	client   *retryablehttp.Client
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

type Option func(*Reporter)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) {
		if c != nil {
			r.client.HTTPClient = c
		}
	}
}

func New(s Settings, sink Sink, opts ...Option) *Reporter {
	s = s.withDefaults()
	logger := log.With().Str("component", "telemetry").Logger()
	client := retryablehttp.NewClient()
	client.RetryMax = s.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = s.Timeout
	client.Logger = leveledLogger{l: logger}

	r := &Reporter{
		settings: s,
		sink:     sink,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(s.Rate), s.Burst),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report records err. It is safe to call from any goroutine.
func (r *Reporter) Report(ctx context.Context, err error) {
	if r == nil || err == nil {
		return
	}
	r.logger.Error().Err(err).Msg("unhandled error")
	if r.sink != nil {
		r.sink.GrowlError(err.Error())
	}

	if r.settings.URL == "" || r.sink == nil || !r.sink.Settings().SendLogs {
		r.metrics.ObserveReport(OutcomeSkipped)
		return
	}
	if !r.limiter.Allow() {
		r.metrics.ObserveReport(OutcomeLimited)
		r.logger.Debug().Msg("telemetry rate limited, report dropped")
		return
	}

	report := Report{
		ID:      uuid.NewString(),
		Message: err.Error(),
		Detail:  fmt.Sprintf("%+v", err),
		Version: r.settings.Version,
		At:      r.now().UTC(),
	}
	shipCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.ship(shipCtx, report); err != nil {
			r.metrics.ObserveReport(OutcomeFailed)
			r.logger.Warn().Err(err).Str("report_id", report.ID).Msg("telemetry report not delivered")
			return
		}
		r.metrics.ObserveReport(OutcomeSent)
	}()
}

func (r *Reporter) ship(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}
	ctx, cancel := context.WithTimeout(ctx, r.settings.Timeout*time.Duration(r.settings.RetryMax+1))
	defer cancel()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.settings.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build report request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post report")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return errors.Errorf("post report: http %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight reports have been shipped or given up on.
func (r *Reporter) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

// Recover reports a panic instead of letting it end the goroutine. Use it as
// `defer reporter.Recover(ctx)`.
func (r *Reporter) Recover(ctx context.Context) {
	if v := recover(); v != nil {
		err, ok := v.(error)
		if !ok {
			err = errors.Errorf("panic: %v", v)
		} else {
			err = errors.Wrap(err, "panic")
		}
		r.Report(ctx, err)
	}
}

type leveledLogger struct {
	l zerolog.Logger
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Trace().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
