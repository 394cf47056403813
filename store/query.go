package store

// EventFilter selects events for the history query endpoint. A zero
// Channel matches every channel; FromSeq is exclusive.
type EventFilter struct {
	Channel string
	FromSeq int64
	Limit   int
}
