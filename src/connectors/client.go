// Package connectors holds the upstream price adapters. Every adapter draws credentials from a
// key pool, rotates on rate limits and degrades to a static dataset instead of failing.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"marginengine/src/errs"
	"marginengine/src/marketdata"
)

// -----------------------------
// CONFIG
// -----------------------------
const (
	defaultHTTPTimeout     = 4 * time.Second
	defaultRetryAttempts   = 2
	defaultRetryBaseDelay  = 200 * time.Millisecond
	defaultRetryMaxBackoff = time.Second
	defaultMaxKeyAttempts  = 5
)

// isRetryableResp decides resty-level retries. 429, 401 and 403 are left alone: those are
// answered by retiring the key, not by hammering the same one again.
func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}

	if r == nil {
		return false
	}

	code := r.StatusCode()

	if code >= 500 && code <= 599 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

func newUpstreamClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(defaultRetryAttempts).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)
}

// statusError classifies a non-2xx HTTP status. nil means the status is a success.
func statusError(service string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code == 429 || code == 401 || code == 403:
		return fmt.Errorf("%s: status %d: %w", service, code, errs.ErrUpstreamRateLimited)
	case code >= 400:
		return fmt.Errorf("%s: status %d: %w", service, code, errs.ErrUpstreamUnavailable)
	}
	return nil
}

// ErrorReporter persists upstream failures for diagnostics. controller.Capturer implements it.
type ErrorReporter interface {
	Report(ctx context.Context, module, method string, err error, data map[string]interface{})
}

var reporter atomic.Value

// SetErrorReporter routes every degraded fetch to r in addition to the log.
func SetErrorReporter(r ErrorReporter) {
	reporter.Store(&r)
}

func report(ctx context.Context, service string, err error) {
	r, ok := reporter.Load().(*ErrorReporter)
	if !ok || r == nil || *r == nil {
		return
	}
	(*r).Report(context.WithoutCancel(ctx), service, "FetchLatest", err, nil)
}

func transportError(service string, err error) error {
	return fmt.Errorf("%s: request failed: %w", service, err)
}

// degrade turns a failed live fetch into the adapter's fallback result. Only a cancelled
// caller gets an error back.
func degrade(ctx context.Context, service string, err error, fallback func() marketdata.Result) (marketdata.Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return marketdata.Result{}, ctxErr
	}

	entry := logger.WithFields(map[string]interface{}{
		"connector": service,
	})
	if errors.Is(err, errs.ErrKeyPoolExhausted) {
		entry.Warn("no active key left, serving fallback dataset")
	} else {
		entry.WithError(err).Warn("live fetch failed, serving fallback dataset")
		report(ctx, service, err)
	}
	return fallback(), nil
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
