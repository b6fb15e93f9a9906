// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package fetch downloads customer photos from CDN URLs. CDNs of the
// upstream shop platform rate-limit and occasionally block datacenter IPs,
// so the client keeps a stable browser identity per host, rotates onto a
// proxy when it sees a blocking status, and retries transport errors with
// exponential backoff.
package fetch

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

const (
	maxAttempts    = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 10 * time.Second

	// maxBodySize caps a single download. Customer photos beyond this are
	// rejected rather than buffered.
	maxBodySize = 64 << 20
)

// blockingStatuses are responses that indicate IP-based blocking rather than
// a problem with the resource itself. They trigger the proxy fallback.
var blockingStatuses = map[int]struct{}{
	http.StatusForbidden:       {},
	http.StatusTooManyRequests: {},
	525:                        {}, // Cloudflare: SSL handshake failed
	526:                        {}, // Cloudflare: invalid SSL certificate
	530:                        {}, // Cloudflare: origin DNS error
}

// userAgents is the pool a host's identity is picked from. The choice is
// deterministic per host so that one download session does not look like a
// rotating bot to the CDN.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"de-DE,de;q=0.9,en;q=0.8",
	"cs-CZ,cs;q=0.9,en;q=0.8",
}

// Result is a completed download.
type Result struct {
	Body        []byte
	ContentType string
}

// StatusError reports a non-2xx terminal response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downloading %s: unexpected status %d", e.URL, e.Code)
}

// Options configures a Client.
type Options struct {
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// ProxyURL enables the proxy fallback for blocking statuses; empty
	// disables it.
	ProxyURL string
	// RequestsPerSecond throttles outbound requests; zero means unlimited.
	RequestsPerSecond float64
}

// Client downloads files over plain HTTP with an optional proxy fallback.
type Client struct {
	log     logr.Logger
	direct  *http.Client
	proxied *http.Client
	limiter *rate.Limiter

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a download client.
func New(log logr.Logger, opts Options) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		log:    log,
		direct: &http.Client{Timeout: timeout},
		sleep:  sleepContext,
	}

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL: %w", err)
		}
		c.proxied = &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return c, nil
}

// Download fetches rawURL. Blocking statuses are retried through the proxy
// when one is configured; transport errors are retried with exponential
// backoff up to three attempts total.
func (c *Client) Download(ctx context.Context, rawURL string) (*Result, error) {
	var lastErr error

	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = min(backoff*2, maxBackoff)
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		result, retryable, err := c.attempt(ctx, rawURL)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		c.log.V(1).Info("Download attempt failed", "url", rawURL, "attempt", attempt, "reason", err.Error())
	}

	return nil, fmt.Errorf("downloading %s: all %d attempts failed: %w", rawURL, maxAttempts, lastErr)
}

// attempt performs one direct try plus, for blocking statuses, one proxied
// try. The returned bool reports whether the failure is worth another round.
func (c *Client) attempt(ctx context.Context, rawURL string) (*Result, bool, error) {
	result, code, err := c.do(ctx, c.direct, rawURL)
	if err != nil {
		// Transport-level failure, likely transient.
		return nil, true, err
	}
	if result != nil {
		return result, false, nil
	}

	if _, blocking := blockingStatuses[code]; blocking && c.proxied != nil {
		c.log.Info("Blocking status, retrying via proxy", "url", rawURL, "status", code)
		result, code, err = c.do(ctx, c.proxied, rawURL)
		if err != nil {
			return nil, true, err
		}
		if result != nil {
			return result, false, nil
		}
	}

	statusErr := &StatusError{URL: rawURL, Code: code}
	if _, blocking := blockingStatuses[code]; blocking || code >= 500 {
		return nil, true, statusErr
	}
	return nil, false, statusErr
}

// do runs a single request. A nil Result with a nil error means a non-2xx
// status, reported via the int.
func (c *Client) do(ctx context.Context, client *http.Client, rawURL string) (*Result, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", pickForHost(req.URL.Host, userAgents))
	req.Header.Set("Accept-Language", pickForHost(req.URL.Host, acceptLanguages))
	req.Header.Set("Accept", "image/avif,image/webp,image/png,image/jpeg,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("reading body of %s: %w", rawURL, err)
	}
	if int64(len(body)) > maxBodySize {
		return nil, 0, fmt.Errorf("downloading %s: body exceeds %d bytes", rawURL, int64(maxBodySize))
	}

	return &Result{Body: body, ContentType: resp.Header.Get("Content-Type")}, resp.StatusCode, nil
}

// pickForHost deterministically picks an element for a host.
func pickForHost(host string, pool []string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return pool[h.Sum32()%uint32(len(pool))]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
