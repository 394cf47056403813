// Package sequence provides the persistent monotonic counters used for
// event sequence numbers and subscription ids.
//
// Two separate counters are kept, one per namespace. Each counter is
// strictly increasing and atomic across concurrent callers; the production
// engine additionally survives process restarts.
package sequence

import "context"

// Well-known counter keys.
const (
	SubscriptionIDKey = "kernelci-api-pubsub-id"
	EventSeqKey       = "kernelci-api-event-seq"
)

// Counter is an atomic, strictly increasing integer.
type Counter interface {
	// Next atomically increments the counter and returns the new value.
	Next(ctx context.Context) (int64, error)

	// Current returns the latest value handed out, without incrementing.
	// Returns 0 before the first Next call.
	Current(ctx context.Context) (int64, error)
}
