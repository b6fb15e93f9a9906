// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/go-logr/logr"

	"github.com/malbuch/malbuch/pkg/apis/config"
)

const (
	publishAttempts       = 3
	publishInitialBackoff = 500 * time.Millisecond
	publishMaxBackoff     = 2 * time.Second

	// tokenLifetime bounds the publisher JWT. Tokens are minted per publish,
	// so the window only needs to cover one request.
	tokenLifetime = 60 * time.Second
)

var now = time.Now

// mercureClaims grants publish rights on all topics.
type mercureClaims struct {
	Mercure mercureDirective `json:"mercure"`
}

type mercureDirective struct {
	Publish []string `json:"publish"`
}

// Mercure publishes events to a Mercure SSE hub via form-encoded POSTs
// authorized by a short-lived HS256 publisher token.
type Mercure struct {
	log        logr.Logger
	hubURL     string
	signer     jose.Signer
	httpClient *http.Client

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMercure builds a publisher for the configured hub.
func NewMercure(log logr.Logger, cfg config.MercureConfig) (*Mercure, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(cfg.JWTSecret)}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating publisher token signer: %w", err)
	}

	return &Mercure{
		log:        log,
		hubURL:     cfg.URL,
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sleep:      sleepContext,
	}, nil
}

// Publish delivers one event. Transport errors and hub-side failures are
// retried with exponential backoff; a 4xx response is permanent.
func (m *Mercure) Publish(ctx context.Context, event *Event) error {
	data, err := event.Payload()
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.IdentityKey(), err)
	}

	form := url.Values{}
	for _, topic := range event.Topics() {
		form.Add("topic", topic)
	}
	form.Set("data", string(data))
	body := form.Encode()

	var lastErr error
	backoff := publishInitialBackoff
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, publishMaxBackoff)
		}

		permanent, err := m.post(ctx, body)
		if err == nil {
			return nil
		}
		if permanent {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("publishing %s: all %d attempts failed: %w", event.IdentityKey(), publishAttempts, lastErr)
}

// post runs one hub request. The bool marks permanent failures.
func (m *Mercure) post(ctx context.Context, body string) (bool, error) {
	token, err := m.publisherToken()
	if err != nil {
		return true, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.hubURL, strings.NewReader(body))
	if err != nil {
		return true, fmt.Errorf("building hub request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("posting to hub: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return false, nil
	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		return true, fmt.Errorf("hub rejected publication with status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("hub returned status %d", resp.StatusCode)
	}
}

// publisherToken mints a short-lived JWT carrying publish rights on all
// topics.
func (m *Mercure) publisherToken() (string, error) {
	issuedAt := now()
	token, err := jwt.Signed(m.signer).
		Claims(mercureClaims{Mercure: mercureDirective{Publish: []string{"*"}}}).
		Claims(jwt.Claims{
			IssuedAt: jwt.NewNumericDate(issuedAt),
			Expiry:   jwt.NewNumericDate(issuedAt.Add(tokenLifetime)),
		}).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("signing publisher token: %w", err)
	}
	return token, nil
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
