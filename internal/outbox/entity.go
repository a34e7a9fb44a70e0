// Package outbox drains per-database outbox tables into the platform's
// batch APIs.
//
// Single-poller, status-based architecture:
//  1. The poller (leader only) fetches PENDING items and marks them
//     IN_PROGRESS before buffering.
//  2. A distributor routes items to per-group processors that preserve
//     FIFO within (type, messageGroup).
//  3. Outcomes map to terminal statuses or a retry (back to PENDING).
//  4. Crash recovery resets IN_PROGRESS items on leadership acquisition.
//
// No row locks: leader election provides the single-writer guarantee, so
// the same repository code works on PostgreSQL, MySQL and MongoDB.
package outbox

import (
	"time"
)

// Status is the persisted processing status, stored as a small integer.
type Status int

const (
	// StatusPending - waiting to be processed
	StatusPending Status = 0

	// StatusSuccess - delivered
	StatusSuccess Status = 1

	// StatusBadRequest - API rejected the payload (permanent)
	StatusBadRequest Status = 2

	// StatusInternalError - API failed internally
	StatusInternalError Status = 3

	// StatusUnauthorized - API rejected the credentials
	StatusUnauthorized Status = 4

	// StatusForbidden - API denied access (permanent)
	StatusForbidden Status = 5

	// StatusGatewayError - 502/503/504 from the API path
	StatusGatewayError Status = 6

	// StatusInProgress - claimed by the poller; reset to PENDING by
	// crash recovery
	StatusInProgress Status = 9
)

// String returns the symbolic status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusForbidden:
		return "FORBIDDEN"
	case StatusGatewayError:
		return "GATEWAY_ERROR"
	case StatusInProgress:
		return "IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusBadRequest || s == StatusForbidden
}

// IsRetryable reports whether the status warrants another attempt.
func (s Status) IsRetryable() bool {
	return s == StatusInternalError || s == StatusGatewayError || s == StatusUnauthorized
}

// ItemType selects the outbox table.
type ItemType string

const (
	ItemTypeEvent       ItemType = "EVENT"
	ItemTypeDispatchJob ItemType = "DISPATCH_JOB"
)

// AllItemTypes lists the drained types in poll order.
var AllItemTypes = []ItemType{ItemTypeEvent, ItemTypeDispatchJob}

// Item is one outbox row/document.
type Item struct {
	// ID is the unique identifier (TSID)
	ID string `bson:"_id" json:"id"`

	// Type is EVENT or DISPATCH_JOB
	Type ItemType `bson:"type" json:"type"`

	// MessageGroup orders items relative to each other; empty means no
	// ordering constraint beyond the item itself
	MessageGroup string `bson:"messageGroup,omitempty" json:"messageGroup,omitempty"`

	// Payload is the opaque JSON sent to the API
	Payload string `bson:"payload" json:"payload"`

	// Status is the current processing status
	Status Status `bson:"status" json:"status"`

	// RetryCount is the attempts consumed so far
	RetryCount int `bson:"retryCount" json:"retryCount"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	// ErrorMessage holds the terminal error text, if any
	ErrorMessage string `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
}

// EffectiveMessageGroup returns the group, or "default" when unset.
func (i *Item) EffectiveMessageGroup() string {
	if i.MessageGroup == "" {
		return "default"
	}
	return i.MessageGroup
}

// StatusFromHTTPCode maps an HTTP status to an outbox status.
func StatusFromHTTPCode(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess
	case code == 400:
		return StatusBadRequest
	case code == 401:
		return StatusUnauthorized
	case code == 403:
		return StatusForbidden
	case code == 502 || code == 503 || code == 504:
		return StatusGatewayError
	default:
		return StatusInternalError
	}
}
