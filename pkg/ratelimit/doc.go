// Package ratelimit spaces upstream calls per endpoint key.
//
// Each key gets a minimum interval of 1/CallsPerSecond between granted slots.
// The first call for a key proceeds immediately; a caller arriving inside the
// interval waits for the remainder plus a small random jitter so that
// processes started together do not fire in lockstep.
//
// Two implementations share that behaviour:
//
//	limiter, _ := ratelimit.New(ratelimit.DefaultConfig(), logger)          // one process
//	limiter, _ := ratelimit.NewRedis(rdb, ratelimit.DefaultConfig(), logger) // shared quota
//
// The Redis variant reserves slots in a Lua script so several ingest workers
// drawing on one seller quota stay within it together.
package ratelimit
