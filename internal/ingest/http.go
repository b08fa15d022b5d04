package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/httputil"
	"github.com/lox/speciesmix/internal/metrics"
)

// maxTableBytes caps a downloaded table.
const maxTableBytes = 256 << 20

// HTTPClient retrieves plot tables served over HTTP(S).
type HTTPClient struct {
	client     *http.Client
	MaxElapsed time.Duration
	logger     *zap.Logger
}

func NewHTTPClient(logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		client:     httputil.NewClient(),
		MaxElapsed: 2 * time.Minute,
		logger:     logger,
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("User-Agent", httputil.UserAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("fetch %s: status %d: %s", rawURL, resp.StatusCode, strings.TrimSpace(string(b)))
			if httputil.Retryable(resp.StatusCode) {
				return err
			}
			return backoff.Permanent(err)
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxTableBytes+1))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		if len(body) > maxTableBytes {
			return backoff.Permanent(fmt.Errorf("fetch %s: table exceeds %d bytes", rawURL, maxTableBytes))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		metrics.RemoteRetrievals.WithLabelValues("http", "retry").Inc()
		c.logger.Warn("http retrieval failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.MaxElapsed
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		metrics.RemoteRetrievals.WithLabelValues("http", "error").Inc()
		return nil, err
	}
	metrics.RemoteRetrievals.WithLabelValues("http", "ok").Inc()
	return body, nil
}

func isHTTP(source string) bool {
	s := strings.ToLower(source)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
