package crawler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobClass groups sources that share a gating rule.
type JobClass string

// Job classes. The string values match the labels used on the API and in config.
const (
	ClassHarvesting JobClass = "crawler"
	ClassChecking   JobClass = "checker"
)

// JobClasses lists every class in scheduling order.
var JobClasses = []JobClass{ClassHarvesting, ClassChecking}

// ErrUnknownJobClass is returned by ParseJobClass for unrecognised labels.
var ErrUnknownJobClass = errors.New("unknown job class")

// ParseJobClass maps a label (crawler|checker, also harvesting|checking) to a JobClass.
func ParseJobClass(s string) (JobClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "crawler", "harvesting":
		return ClassHarvesting, nil
	case "checker", "checking":
		return ClassChecking, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownJobClass, s)
	}
}

// JobStatus is the outcome of a dispatched job.
type JobStatus string

// Job outcomes reported by the completion hook.
const (
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// JobResult is the message a dispatched job hands to its completion hook.
type JobResult struct {
	RunID     string        `json:"run_id"`
	Class     JobClass      `json:"class"`
	Source    string        `json:"source"`
	LeaseKey  string        `json:"lease_key"`
	StartedAt int64         `json:"start_time"`
	Duration  time.Duration `json:"-"`
	Err       error         `json:"-"`
}

// Status derives the outcome from Err.
func (r JobResult) Status() JobStatus {
	if r.Err != nil {
		return JobStatusFailed
	}
	return JobStatusSucceeded
}

// Notification is the published summary of a finished job.
type Notification struct {
	RunID       string   `json:"run_id"`
	Class       JobClass `json:"class"`
	Source      string   `json:"source"`
	LeaseKey    string   `json:"lease_key"`
	Status      string   `json:"status"`
	StartedAt   int64    `json:"start_time"`
	TotalTime   *int64   `json:"total_time"`
	ErrorText   string   `json:"error_text,omitempty"`
	DurationSec float64  `json:"duration_seconds"`
}
