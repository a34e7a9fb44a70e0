package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// sqlDialect captures the differences between the supported SQL engines.
type sqlDialect struct {
	// name for error messages
	name string

	// placeholder renders the n-th (1-based) bind parameter
	placeholder func(n int) string

	// pendingOrder is the ORDER BY clause giving (message_group NULLS
	// FIRST, created_at)
	pendingOrder string

	// ddl returns the CREATE TABLE + index statements for a table
	ddl func(table string) []string
}

// sqlRepository implements Repository on database/sql. The deployment
// links the driver; the repository only speaks the dialect.
type sqlRepository struct {
	db      *sql.DB
	config  *RepositoryConfig
	dialect sqlDialect
}

// TableName returns the table for the item type.
func (r *sqlRepository) TableName(itemType ItemType) string {
	return r.config.tableName(itemType)
}

const itemColumns = "id, type, message_group, payload, status, retry_count, created_at, updated_at, error_message"

// FetchPending returns pending items in (message_group, created_at) order.
func (r *sqlRepository) FetchPending(ctx context.Context, itemType ItemType, limit int) ([]*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = %d ORDER BY %s LIMIT %s`,
		itemColumns, r.TableName(itemType), StatusPending, r.dialect.pendingOrder, r.dialect.placeholder(1))

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%s fetch pending: %w", r.dialect.name, err)
	}
	defer rows.Close()
	return r.scanItems(rows)
}

// MarkAsInProgress claims fetched items.
func (r *sqlRepository) MarkAsInProgress(ctx context.Context, itemType ItemType, ids []string) error {
	return r.updateStatus(ctx, itemType, ids, []Status{StatusPending}, StatusInProgress, false, nil)
}

// MarkWithStatus applies a terminal transition.
func (r *sqlRepository) MarkWithStatus(ctx context.Context, itemType ItemType, ids []string, status Status) error {
	return r.updateStatus(ctx, itemType, ids, nil, status, false, nil)
}

// MarkWithStatusAndError applies a terminal transition with error text.
func (r *sqlRepository) MarkWithStatusAndError(ctx context.Context, itemType ItemType, ids []string, status Status, errorMessage string) error {
	return r.updateStatus(ctx, itemType, ids, nil, status, false, &errorMessage)
}

// IncrementRetryCount returns items to PENDING with retry_count bumped.
func (r *sqlRepository) IncrementRetryCount(ctx context.Context, itemType ItemType, ids []string) error {
	return r.updateStatus(ctx, itemType, ids, []Status{StatusInProgress}, StatusPending, true, nil)
}

// FetchStuckItems returns all IN_PROGRESS items.
func (r *sqlRepository) FetchStuckItems(ctx context.Context, itemType ItemType) ([]*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = %d ORDER BY created_at`,
		itemColumns, r.TableName(itemType), StatusInProgress)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s fetch stuck items: %w", r.dialect.name, err)
	}
	defer rows.Close()
	return r.scanItems(rows)
}

// ResetStuckItems returns IN_PROGRESS items to PENDING, retries unchanged.
func (r *sqlRepository) ResetStuckItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.updateStatus(ctx, itemType, ids, []Status{StatusInProgress}, StatusPending, false, nil)
}

// FetchRecoverableItems returns stale items in recoverable statuses.
func (r *sqlRepository) FetchRecoverableItems(ctx context.Context, itemType ItemType, timeoutSeconds int, limit int) ([]*Item, error) {
	cutoff := time.Now().Add(-time.Duration(timeoutSeconds) * time.Second)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status IN (%s) AND updated_at < %s ORDER BY updated_at LIMIT %s`,
		itemColumns, r.TableName(itemType), statusList(recoverableStatuses),
		r.dialect.placeholder(1), r.dialect.placeholder(2))

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("%s fetch recoverable items: %w", r.dialect.name, err)
	}
	defer rows.Close()
	return r.scanItems(rows)
}

// ResetRecoverableItems returns items to PENDING, retries unchanged.
func (r *sqlRepository) ResetRecoverableItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.updateStatus(ctx, itemType, ids, recoverableStatuses, StatusPending, false, nil)
}

// CountPending returns the pending backlog size.
func (r *sqlRepository) CountPending(ctx context.Context, itemType ItemType) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = %d`,
		r.TableName(itemType), StatusPending)

	var count int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s count pending: %w", r.dialect.name, err)
	}
	return count, nil
}

// CreateSchema creates tables and the poll index.
func (r *sqlRepository) CreateSchema(ctx context.Context) error {
	for _, itemType := range AllItemTypes {
		for _, stmt := range r.dialect.ddl(r.TableName(itemType)) {
			if _, err := r.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s create schema for %s: %w", r.dialect.name, r.TableName(itemType), err)
			}
		}
	}
	return nil
}

// updateStatus is the shared transition statement. An empty fromStatuses
// list means unconditional; bumpRetry adds retry_count = retry_count + 1;
// errorMessage sets error_message when non-nil.
func (r *sqlRepository) updateStatus(ctx context.Context, itemType ItemType, ids []string, fromStatuses []Status, to Status, bumpRetry bool, errorMessage *string) error {
	if len(ids) == 0 {
		return nil
	}

	var sets []string
	var args []interface{}
	n := 0

	sets = append(sets, fmt.Sprintf("status = %d", to), "updated_at = NOW()")
	if bumpRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if errorMessage != nil {
		n++
		sets = append(sets, "error_message = "+r.dialect.placeholder(n))
		args = append(args, *errorMessage)
	}

	placeholders := make([]string, len(ids))
	for i, id := range ids {
		n++
		placeholders[i] = r.dialect.placeholder(n)
		args = append(args, id)
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id IN (%s)`,
		r.TableName(itemType), strings.Join(sets, ", "), strings.Join(placeholders, ", "))
	if len(fromStatuses) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", statusList(fromStatuses))
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s update to %s: %w", r.dialect.name, to, err)
	}
	return nil
}

func (r *sqlRepository) scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		var item Item
		var group, errMsg sql.NullString
		if err := rows.Scan(&item.ID, &item.Type, &group, &item.Payload,
			&item.Status, &item.RetryCount, &item.CreatedAt, &item.UpdatedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("%s scan item: %w", r.dialect.name, err)
		}
		item.MessageGroup = group.String
		item.ErrorMessage = errMsg.String
		items = append(items, &item)
	}
	return items, rows.Err()
}

func statusList(statuses []Status) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = fmt.Sprintf("%d", s)
	}
	return strings.Join(parts, ", ")
}
