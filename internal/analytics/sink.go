// Package analytics ships flushed usage events to an external analytics
// ingestion endpoint.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/eventbatch"
)

type httpSink struct {
	client    *http.Client
	endpoint  string
	authToken string
	log       *zap.Logger
}

type noopSink struct{}

func (noopSink) Name() string                                      { return "analytics.noop" }
func (noopSink) Deliver(context.Context, []eventbatch.Event) error { return nil }

// NewSink builds the analytics sink from config. Without an endpoint the
// sink is a no-op so the batcher wiring stays identical across environments.
func NewSink(cfg config.Config, log *zap.Logger) eventbatch.Sink {
	if cfg.Analytics.Endpoint == "" {
		return noopSink{}
	}
	timeout := cfg.Analytics.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpSink{
		client:    &http.Client{Timeout: timeout},
		endpoint:  cfg.Analytics.Endpoint,
		authToken: cfg.Analytics.AuthToken,
		log:       log.Named("analytics.sink"),
	}
}

func (s *httpSink) Name() string { return "analytics" }

func (s *httpSink) Deliver(ctx context.Context, events []eventbatch.Event) error {
	if len(events) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analytics endpoint returned %d", resp.StatusCode)
	}
	return nil
}
