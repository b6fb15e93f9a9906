// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package healthz

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is anything that can probe its backing connection, e.g. the
// Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckPinger wraps a Pinger as a Checker.
func CheckPinger(p Pinger) Checker {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		return nil
	}
}

// CheckRedis probes the given Redis client.
func CheckRedis(rdb redis.UniversalClient) Checker {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		return nil
	}
}
