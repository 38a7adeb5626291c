// Package classify maps raw dispatch outcomes onto a fixed set of outcome
// categories. Classification is deterministic and pure: no I/O, no
// randomness, and never dependent on which identity produced the outcome.
package classify

import (
	"net/http"
	"strconv"
	"time"

	"shelfwatch/pkg/dispatch"
)

// Class is the outcome category assigned to one raw response or transport
// failure.
type Class string

const (
	// Success is a 200 whose body passes the caller's shape check.
	Success Class = "success"

	// RateLimited is an explicit 429 from the remote service.
	RateLimited Class = "rate_limited"

	// Blocked is a 403/404 repeated under a valid-looking identity,
	// read as remote-side bot detection.
	Blocked Class = "blocked"

	// Transient covers connection failures, 5xx, schema drift, and
	// first-occurrence 403/404. Retryable.
	Transient Class = "transient"

	// Fatal is non-retryable: 410, unrecognized statuses, or escalated
	// schema drift.
	Fatal Class = "fatal"
)

// Classification is the result of classifying one outcome. RetryAfter is
// populated only for RateLimited outcomes that carried a parseable
// Retry-After header.
type Classification struct {
	Class         Class
	RetryAfter    float64
	HasRetryAfter bool
}

// Options carries the caller-side policy inputs.
type Options struct {
	// ShapeCheck validates a 200 body against the expected schema. A nil
	// check accepts every 200.
	ShapeCheck func(body []byte) bool

	// PriorRepeats is how many immediately preceding requests under the
	// current identity ended with the same 403/404 status. Two or more
	// repeats turn a 403/404 into Blocked; a single occurrence stays
	// Transient, since one 404 may be a genuine resource change rather
	// than blocking.
	PriorRepeats int
}

// Classify assigns a class to a raw outcome. Rules apply in priority order;
// see the package documentation for the full table.
func Classify(o dispatch.Outcome, opts Options) Classification {
	if o.Failed() {
		return Classification{Class: Transient}
	}

	switch {
	case o.StatusCode == http.StatusOK:
		if opts.ShapeCheck == nil || opts.ShapeCheck(o.Body) {
			return Classification{Class: Success}
		}
		// Schema drift: transient here, escalation to Fatal after repeated
		// occurrences is the caller's policy.
		return Classification{Class: Transient}

	case o.StatusCode == http.StatusTooManyRequests:
		c := Classification{Class: RateLimited}
		if v := o.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
				c.RetryAfter = secs
				c.HasRetryAfter = true
			}
		}
		return c

	case o.StatusCode == http.StatusGone:
		return Classification{Class: Fatal}

	case o.StatusCode == http.StatusForbidden || o.StatusCode == http.StatusNotFound:
		if opts.PriorRepeats >= 2 {
			return Classification{Class: Blocked}
		}
		return Classification{Class: Transient}

	case o.StatusCode >= 500 && o.StatusCode < 600:
		return Classification{Class: Transient}

	default:
		return Classification{Class: Fatal}
	}
}

// Record is one classified outcome with the context needed for post-hoc
// diagnosis: status, class, when, and which identity generation was in use.
type Record struct {
	StatusCode         int
	Class              Class
	Timestamp          time.Time
	IdentityGeneration int
}

// NewRecord stamps a classification for the diagnostic trail.
func NewRecord(o dispatch.Outcome, c Classification, generation int) Record {
	return Record{
		StatusCode:         o.StatusCode,
		Class:              c.Class,
		Timestamp:          time.Now(),
		IdentityGeneration: generation,
	}
}
