// Package frost is a minimal read client for FROST/SensorThings servers:
// paginated collection walks, count probes and a healthcheck, with bounded
// retry on transient failures.
package frost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrRetriesExhausted marks a request that failed after all retry attempts.
// Callers treat it as "skip this entity, keep going".
var ErrRetriesExhausted = errors.New("retries exhausted")

const (
	maxAttempts     = 4
	initialInterval = 800 * time.Millisecond
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "unexpected status " + e.Status }

// Client talks to one FROST server.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	// retryInterval is the first backoff step; shortened in tests.
	retryInterval time.Duration
}

// NewClient builds a client with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{Timeout: timeout},
		log:           log.With().Str("component", "frost").Logger(),
		retryInterval: initialInterval,
	}
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string { return c.baseURL }

// CollectionURL returns the URL of a top-level collection.
func (c *Client) CollectionURL(entity string) string {
	return c.baseURL + "/" + entity
}

// EntityURL addresses a single entity by its raw remote id. Numeric ids use
// the bare form, strings the quoted OData form with embedded quotes doubled.
func (c *Client) EntityURL(entity string, rawID any) string {
	s := fmt.Sprintf("%v", rawID)
	if _, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
		return fmt.Sprintf("%s/%s(%s)", c.baseURL, entity, strings.TrimSpace(s))
	}
	return fmt.Sprintf("%s/%s('%s')", c.baseURL, entity, strings.ReplaceAll(s, "'", "''"))
}

// Healthcheck GETs the server root.
func (c *Client) Healthcheck(ctx context.Context) error {
	if _, _, err := c.getWithRetry(ctx, c.baseURL, nil); err != nil {
		return fmt.Errorf("frost healthcheck: %w", err)
	}
	return nil
}

type page struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@iot.nextLink"`
	Count    *int64            `json:"@iot.count"`
}

// Walk fetches a collection page by page, invoking fn for every entity, and
// follows @iot.nextLink until exhausted. A 404 yields no entities and no
// error. Entities stream through fn one at a time, so memory stays flat for
// arbitrarily long collections. An error from fn aborts the walk.
func (c *Client) Walk(ctx context.Context, rawURL string, params url.Values, fn func(json.RawMessage) error) error {
	for {
		body, notFound, err := c.getWithRetry(ctx, rawURL, params)
		if err != nil {
			return err
		}
		if notFound {
			return nil
		}

		var p page
		if err := json.Unmarshal(body, &p); err != nil {
			return fmt.Errorf("decode page %s: %w", rawURL, err)
		}
		for _, v := range p.Value {
			if err := fn(v); err != nil {
				return err
			}
		}

		if p.NextLink == "" {
			return nil
		}
		// nextLink already carries the full query string.
		rawURL = p.NextLink
		params = nil
	}
}

// ProbeCount issues a zero-row count query against a collection URL to check
// cheaply whether any related records exist. Failures count as zero.
func (c *Client) ProbeCount(ctx context.Context, rawURL string) int64 {
	params := url.Values{}
	params.Set("$top", "0")
	params.Set("$count", "true")

	body, notFound, err := c.getWithRetry(ctx, rawURL, params)
	if err != nil || notFound {
		return 0
	}
	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return 0
	}
	if p.Count == nil {
		return 0
	}
	return *p.Count
}

// getWithRetry performs a GET with bounded exponential backoff. 5xx and
// transport errors retry; 404 reports notFound; other 4xx fail immediately.
func (c *Client) getWithRetry(ctx context.Context, rawURL string, params url.Values) (body []byte, notFound bool, err error) {
	target := rawURL
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		target = rawURL + sep + params.Encode()
	}

	op := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("Accept", "application/json")

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return fmt.Errorf("GET %s: %w", target, doErr)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			notFound = true
			return nil
		case resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return &StatusError{Code: resp.StatusCode, Status: resp.Status}
		case resp.StatusCode >= 400:
			io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(&StatusError{Code: resp.StatusCode, Status: resp.Status})
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body %s: %w", target, err)
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	eb.RandomizationFactor = 0
	eb.Multiplier = 2

	retryErr := backoff.RetryNotify(
		op,
		backoff.WithContext(backoff.WithMaxRetries(eb, maxAttempts-1), ctx),
		func(opErr error, wait time.Duration) {
			c.log.Warn().Err(opErr).Str("url", target).Dur("retry_in", wait).Msg("request failed, retrying")
		},
	)
	if retryErr != nil {
		var se *StatusError
		if errors.As(retryErr, &se) && se.Code >= 400 && se.Code < 500 {
			return nil, false, retryErr
		}
		if ctx.Err() != nil {
			return nil, false, retryErr
		}
		return nil, false, fmt.Errorf("%w: GET %s: %v", ErrRetriesExhausted, target, retryErr)
	}
	return body, notFound, nil
}
