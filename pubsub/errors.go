package pubsub

import "errors"

// Engine errors. The first four are client errors and map onto HTTP 4xx;
// everything else surfaces as a wrapped internal failure.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrNotOwner             = errors.New("subscription not owned by user")
	ErrSubscriberConflict   = errors.New("subscriber id owned by different user")
	ErrInvalidChannel       = errors.New("invalid channel name")
	ErrDuplicateSubscriber  = errors.New("subscriber id already exists")
)
