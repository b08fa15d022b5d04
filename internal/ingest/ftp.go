package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/metrics"
)

// FTPClient retrieves plot tables published on FTP servers.
type FTPClient struct {
	Timeout    time.Duration
	MaxElapsed time.Duration
	logger     *zap.Logger
}

func NewFTPClient(logger *zap.Logger) *FTPClient {
	return &FTPClient{
		Timeout:    30 * time.Second,
		MaxElapsed: 2 * time.Minute,
		logger:     logger,
	}
}

// Fetch downloads the file named by an ftp:// URL. Credentials come from the
// URL user info; anonymous login is used otherwise.
func (c *FTPClient) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse ftp url: %w", err)
	}
	if u.Scheme != "ftp" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "21")
	}
	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		conn, err := ftp.Dial(host, ftp.DialWithTimeout(c.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return fmt.Errorf("ftp dial: %w", err)
		}
		defer conn.Quit()

		if err := conn.Login(user, pass); err != nil {
			return classifyFTPError(fmt.Errorf("ftp login: %w", err))
		}

		resp, err := conn.Retr(u.Path)
		if err != nil {
			return classifyFTPError(fmt.Errorf("ftp retr %s: %w", u.Path, err))
		}
		defer resp.Close()

		body, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("ftp read: %w", err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		metrics.RemoteRetrievals.WithLabelValues("ftp", "retry").Inc()
		c.logger.Warn("ftp retrieval failed, retrying",
			zap.String("host", u.Hostname()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.MaxElapsed
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		metrics.RemoteRetrievals.WithLabelValues("ftp", "error").Inc()
		return nil, err
	}
	metrics.RemoteRetrievals.WithLabelValues("ftp", "ok").Inc()
	return body, nil
}

// classifyFTPError marks permanent server replies (5xx: bad credentials,
// missing file) so they are not retried.
func classifyFTPError(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return backoff.Permanent(err)
	}
	return err
}

func isFTP(source string) bool {
	return strings.HasPrefix(strings.ToLower(source), "ftp://")
}
