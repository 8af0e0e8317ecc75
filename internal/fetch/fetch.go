// Package fetch defines the Fetcher collaborator contract and its default
// HTTP-backed implementation.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"hlsdl/internal/logger"
)

// Fetcher produces a readable byte stream for a URL. Implementations must
// be safe to call concurrently and must surface transient I/O errors
// (connection reset, timeout) distinguishably from permanent ones so the
// retry layer can classify them; see IsTransient.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Config controls the default HTTPFetcher.
type Config struct {
	UserAgent          string
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	ProxyURL           string // empty disables proxying
	RateLimitBytesPerS int64  // 0 disables the limiter
}

// HTTPFetcher is the default Fetcher: a dedicated transport whose dialer
// applies Config.ConnectTimeout and whose ResponseHeaderTimeout applies
// Config.ReadTimeout, plus a configurable User-Agent. Once the response
// headers have arrived, reading the body has no deadline of its own beyond
// the caller's context.
type HTTPFetcher struct {
	client  *http.Client
	cfg     Config
	log     logger.Logger
	limiter *rate.Limiter
}

// New builds an HTTPFetcher from cfg. A non-empty cfg.ProxyURL with an http
// or https scheme becomes the transport's Proxy; any other scheme (e.g.
// socks5) is resolved through golang.org/x/net/proxy, so both HTTP and
// SOCKS5 proxies work without a bespoke dialer.
func New(cfg Config, log logger.Logger) (*HTTPFetcher, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		TLSClientConfig:       &tls.Config{},
	}

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.ProxyURL, err)
		}
		if proxyURL.Scheme == "http" || proxyURL.Scheme == "https" {
			transport.Proxy = http.ProxyURL(proxyURL)
		} else {
			proxyDialer, err := proxy.FromURL(proxyURL, dialer)
			if err != nil {
				return nil, fmt.Errorf("failed to build proxy dialer for %q: %w", cfg.ProxyURL, err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return proxyDialer.Dial(network, addr)
			}
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitBytesPerS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBytesPerS), int(cfg.RateLimitBytesPerS))
	}

	return &HTTPFetcher{
		client:  &http.Client{Transport: transport},
		cfg:     cfg,
		log:     log,
		limiter: limiter,
	}, nil
}

// Fetch issues a GET request and returns the response body, wrapped with
// the rate limiter if one is configured. The caller owns the returned
// stream and must close it.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	f.log.Debugf("fetching %s", rawURL)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransientError{URL: rawURL, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, rawURL)
		if resp.StatusCode >= 500 {
			return nil, &TransientError{URL: rawURL, Cause: err}
		}
		return nil, err
	}

	if f.limiter == nil {
		return resp.Body, nil
	}
	return &rateLimitedReader{ctx: ctx, r: resp.Body, limiter: f.limiter}, nil
}

// TransientError marks a fetch failure the retry layer should retry:
// connection resets, timeouts, and 5xx responses.
type TransientError struct {
	URL   string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error fetching %s: %v", e.URL, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient reports whether err (or anything it wraps) is a TransientError,
// or wraps a net.Error that is itself classified as transient (timeout or
// connection reset/refused).
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() ||
			errors.Is(err, syscall.ECONNRESET) ||
			errors.Is(err, syscall.ECONNREFUSED) ||
			errors.Is(err, io.ErrUnexpectedEOF)
	}
	return false
}

// rateLimitedReader throttles Read calls against a shared token bucket so
// many concurrent segment fetches still respect one aggregate byte rate.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.ReadCloser
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (r *rateLimitedReader) Close() error { return r.r.Close() }
