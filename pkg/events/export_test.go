// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"time"
)

// Functions exported for testing.

// SetSleep replaces the backoff sleep of the publisher.
func (m *Mercure) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	m.sleep = sleep
}

// SetNow replaces the token clock.
func SetNow(n func() time.Time) {
	now = n
}
