// Package ratelimit throttles calls to upstream sources.
//
// Every source gets one Throttle. A Throttle caps the number of calls in
// flight with a weighted semaphore and can additionally pace calls with a
// token bucket. Throttles are independent of the worker pool size, so a
// large pool still makes at most MaxInFlight concurrent calls to one source.
//
//	reg := ratelimit.NewRegistry(map[string]ratelimit.Config{
//		"github": {MaxInFlight: 15},
//	})
//	err := reg.Get("github").Do(ctx, func(ctx context.Context) error {
//		return fetchRepository(ctx)
//	})
package ratelimit
