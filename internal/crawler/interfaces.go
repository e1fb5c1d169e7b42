package crawler

import (
	"context"
	"time"
)

// Source is one configured harvesting or checking job. Run executes to completion and reports
// records only through the store; the scheduler looks at nothing but termination and duration.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
