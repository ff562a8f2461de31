package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kadm"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BusPinger is the minimal interface of a bus client capable of Ping.
type BusPinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the db, redis and bus readiness checks.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client, bus BusPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	busCheck := func(ctx context.Context) error {
		if bus == nil {
			return fmt.Errorf("bus not configured")
		}
		return bus.Ping(ctx)
	}
	return dbCheck, redisCheck, busCheck
}

// BuildGroupStatus returns the /v1/consumer-groups/status provider: group
// state, member count and total lag as seen by the broker.
func BuildGroupStatus(adm *kadm.Client, groups ...string) func(ctx context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		lags, err := adm.Lag(ctx, groups...)
		if err != nil {
			return nil, fmt.Errorf("op=app.group_status: %w", err)
		}
		out := make([]map[string]interface{}, 0, len(groups))
		for _, group := range groups {
			gl, ok := lags[group]
			if !ok {
				continue
			}
			entry := map[string]interface{}{
				"group": group,
			}
			if gl.DescribeErr != nil {
				entry["error"] = gl.DescribeErr.Error()
				out = append(out, entry)
				continue
			}
			if gl.FetchErr != nil {
				entry["error"] = gl.FetchErr.Error()
				out = append(out, entry)
				continue
			}
			entry["state"] = gl.State
			entry["members"] = len(gl.Members)
			entry["total_lag"] = gl.Lag.Total()
			out = append(out, entry)
		}
		return map[string]interface{}{"groups": out}, nil
	}
}
