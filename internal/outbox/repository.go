package outbox

import (
	"context"
)

// Repository is the outbox data access contract. Every operation is
// atomic from the caller's point of view. Implementations do not lock
// rows; the single-leader poller is the concurrency control.
type Repository interface {
	// FetchPending returns PENDING items ordered by (messageGroup,
	// createdAt) with absent groups first. Read-only.
	FetchPending(ctx context.Context, itemType ItemType, limit int) ([]*Item, error)

	// MarkAsInProgress transitions PENDING -> IN_PROGRESS and touches
	// updatedAt. Called immediately after FetchPending, before buffering.
	MarkAsInProgress(ctx context.Context, itemType ItemType, ids []string) error

	// MarkWithStatus applies a terminal transition.
	MarkWithStatus(ctx context.Context, itemType ItemType, ids []string, status Status) error

	// MarkWithStatusAndError applies a terminal transition with error text.
	MarkWithStatusAndError(ctx context.Context, itemType ItemType, ids []string, status Status, errorMessage string) error

	// IncrementRetryCount transitions IN_PROGRESS -> PENDING and bumps
	// retryCount.
	IncrementRetryCount(ctx context.Context, itemType ItemType, ids []string) error

	// FetchStuckItems returns all IN_PROGRESS items regardless of age,
	// for startup crash recovery.
	FetchStuckItems(ctx context.Context, itemType ItemType) ([]*Item, error)

	// ResetStuckItems transitions IN_PROGRESS -> PENDING, retryCount
	// unchanged.
	ResetStuckItems(ctx context.Context, itemType ItemType, ids []string) error

	// FetchRecoverableItems returns items in any non-terminal error
	// status whose updatedAt is older than timeoutSeconds.
	FetchRecoverableItems(ctx context.Context, itemType ItemType, timeoutSeconds int, limit int) ([]*Item, error)

	// ResetRecoverableItems transitions back to PENDING, retryCount
	// unchanged.
	ResetRecoverableItems(ctx context.Context, itemType ItemType, ids []string) error

	// CountPending returns the pending backlog size, for metrics.
	CountPending(ctx context.Context, itemType ItemType) (int64, error)

	// TableName returns the table/collection for the item type.
	TableName(itemType ItemType) string

	// CreateSchema idempotently creates tables/collections and the
	// (status, messageGroup, createdAt) index.
	CreateSchema(ctx context.Context) error
}

// RepositoryConfig names the outbox tables.
type RepositoryConfig struct {
	EventsTable       string
	DispatchJobsTable string
}

// DefaultRepositoryConfig returns the standard table names.
func DefaultRepositoryConfig() *RepositoryConfig {
	return &RepositoryConfig{
		EventsTable:       "outbox_events",
		DispatchJobsTable: "outbox_dispatch_jobs",
	}
}

func (c *RepositoryConfig) tableName(itemType ItemType) string {
	if itemType == ItemTypeDispatchJob {
		return c.DispatchJobsTable
	}
	return c.EventsTable
}

// recoverableStatuses are the non-terminal error statuses periodic
// recovery may reset. BAD_REQUEST and FORBIDDEN are deliberately absent:
// terminal statuses never transition back outside an explicit recovery
// job, and SUCCESS never does at all.
var recoverableStatuses = []Status{
	StatusInternalError,
	StatusUnauthorized,
	StatusGatewayError,
}

// BatchResult is the outcome of one batch API call.
type BatchResult struct {
	// SuccessIDs delivered successfully.
	SuccessIDs []string

	// FailedItems maps item ID to the failure status.
	FailedItems map[string]Status

	// Error is set when the whole batch failed.
	Error error
}

// NewBatchResult creates an empty result.
func NewBatchResult() *BatchResult {
	return &BatchResult{
		SuccessIDs:  make([]string, 0),
		FailedItems: make(map[string]Status),
	}
}

func itemIDs(items []*Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
