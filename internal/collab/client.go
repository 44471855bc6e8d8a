// Package collab talks to the services this core depends on: the event
// directory, the staff permission service and the notification service.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/robertarktes/ticket-issuance/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("tix/collab")

// Config bounds every call. Retries applies to reads only; zero disables
// them.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

type client struct {
	service string
	baseURL string
	http    *http.Client
	retries int
}

func newClient(service string, cfg Config) *client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &client{
		service: service,
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retries: cfg.Retries,
	}
}

// statusError is a non-2xx answer from a collaborator.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// getJSON decodes a GET response into out, retrying transport errors and 5xx
// answers up to c.retries times.
func (c *client) getJSON(ctx context.Context, span, path string, out interface{}) error {
	ctx, s := tracer.Start(ctx, c.service+"."+span)
	defer s.End()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.retries)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var se *statusError
		if errors.Is(err, domain.ErrNotFound) || (errors.As(err, &se) && se.Code < 500) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	s.SetAttributes(attribute.Int("attempts", attempts))
	c.observe(s, err)
	return err
}

func (c *client) postJSON(ctx context.Context, span, path string, body interface{}) error {
	ctx, s := tracer.Start(ctx, c.service+"."+span)
	defer s.End()
	err := c.do(ctx, http.MethodPost, path, body, nil)
	c.observe(s, err)
	return err
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(domain.ErrNotFound, "%s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrapf(&statusError{Code: resp.StatusCode, Body: string(msg)}, "%s %s", method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func (c *client) observe(s trace.Span, err error) {
	if err != nil {
		s.RecordError(err)
		s.SetStatus(codes.Error, err.Error())
		observability.CollabCalls.WithLabelValues(c.service, "error").Inc()
		return
	}
	observability.CollabCalls.WithLabelValues(c.service, "ok").Inc()
}
