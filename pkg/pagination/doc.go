// Package pagination walks cursor-paginated upstream endpoints.
//
// The upstream hands back a continuation token with every page; an empty
// token means the stream is exhausted. Pages are fetched strictly in order,
// one at a time, because each token is only known after the previous page.
//
// Example usage:
//
//	p, _ := pagination.New(limiter, retrier, pagination.DefaultConfig(), logger)
//	pages, err := p.Pages(ctx, "/orders/v0/orders", source.Orders(start, end),
//		func(page ingest.Page) error {
//			return batcher.Add(ctx, page.Records...)
//		})
//
// Every page fetch:
//   - waits for a rate limiter slot for the endpoint
//   - retries transient failures with backoff (each attempt acquires its own slot)
//   - runs under a per-page timeout
//
// A courtesy pause separates consecutive pages. A token the upstream already
// returned once ends the walk with ErrCursorLoop instead of cycling forever.
//
// ChunkDates and ChunkKeys split a run into the date windows or key lists
// that each become one paginated walk.
package pagination
