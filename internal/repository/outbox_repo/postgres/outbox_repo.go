package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/domain"
	"courier/internal/infrastructure/database"
	"courier/internal/repository/outbox_repo"
)

var _ outbox_repo.OutboxRepository = (*OutboxRepository)(nil)

type OutboxRepository struct {
	db    *sql.DB
	clock func() time.Time
}

func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db, clock: time.Now}
}

func (r *OutboxRepository) now() time.Time {
	return r.clock().UTC()
}

func (r *OutboxRepository) Enqueue(ctx context.Context, tx domain.Tx, scope domain.Scope, msg *domain.OutboxMessage) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	msg.SetScope(scope)
	msg.SentTime = nil
	if msg.EnqueueTime.IsZero() {
		msg.EnqueueTime = r.now()
	}

	if scope.Kind() == domain.ScopeOutbox {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_state (outbox_id, created)
			VALUES ($1, $2)
			ON CONFLICT (outbox_id) DO NOTHING
		`, scope.OutboxID, msg.EnqueueTime)
		if err != nil {
			return database.Classify(fmt.Errorf("failed to create outbox state %s: %w", scope, err))
		}
	}

	headers, err := json.Marshal(nonNilHeaders(msg.Headers))
	if err != nil {
		return fmt.Errorf("failed to encode outbox headers: %w", err)
	}

	query := `
		INSERT INTO outbox_message (
			message_id, content_type, message_type, body, headers,
			source_address, destination_address, response_address, fault_address,
			conversation_id, correlation_id, initiator_id, request_id,
			enqueue_time, expiration_time, outbox_id, inbox_message_id, inbox_consumer_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING sequence_number
	`
	err = tx.QueryRowContext(ctx, query,
		msg.MessageID,
		msg.ContentType,
		msg.MessageType,
		msg.Body,
		string(headers),
		nullString(msg.SourceAddress),
		nullString(msg.DestinationAddress),
		nullString(msg.ResponseAddress),
		nullString(msg.FaultAddress),
		msg.ConversationID,
		msg.CorrelationID,
		msg.InitiatorID,
		msg.RequestID,
		msg.EnqueueTime,
		nullTime(msg.ExpirationTime),
		msg.OutboxID,
		msg.InboxMessageID,
		msg.InboxConsumerID,
	).Scan(&msg.SequenceNumber)
	if err != nil {
		return database.Classify(fmt.Errorf("failed to enqueue outbox message %s: %w", msg.MessageID, err))
	}
	return nil
}

func (r *OutboxRepository) ClaimScope(ctx context.Context, scope domain.Scope, lockToken uuid.UUID, lease time.Duration) (*domain.Lease, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	now := r.now()
	expires := now.Add(lease)

	var (
		query string
		args  []any
	)
	if scope.Kind() == domain.ScopeOutbox {
		query = `
			UPDATE outbox_state
			SET lock_id = $2, lock_expires_at = $3, row_version = row_version + 1
			WHERE outbox_id = $1
			  AND (lock_id IS NULL OR lock_id = $2 OR lock_expires_at IS NULL OR lock_expires_at <= $4)
			RETURNING last_sequence_number
		`
		args = []any{scope.OutboxID, lockToken, expires, now}
	} else {
		query = `
			UPDATE inbox_state
			SET lock_id = $3, lock_expires_at = $4, row_version = row_version + 1
			WHERE message_id = $1 AND consumer_id = $2 AND consumed IS NOT NULL
			  AND (lock_id IS NULL OR lock_id = $3 OR lock_expires_at IS NULL OR lock_expires_at <= $5)
			RETURNING dispatched_sequence_number
		`
		args = []any{scope.InboxMessageID, scope.InboxConsumerID, lockToken, expires, now}
	}

	claimed := &domain.Lease{Scope: scope, Token: lockToken, ExpiresAt: expires}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&claimed.LastSequenceNumber)
	if err == nil {
		return claimed, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, database.Classify(fmt.Errorf("failed to claim scope %s: %w", scope, err))
	}

	exists, err := r.scopeExists(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrScopeNotFound, scope)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyLocked, scope)
}

func (r *OutboxRepository) ReleaseScope(ctx context.Context, scope domain.Scope, lockToken uuid.UUID) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	var (
		query string
		args  []any
	)
	if scope.Kind() == domain.ScopeOutbox {
		query = `
			UPDATE outbox_state s
			SET lock_id = NULL, lock_expires_at = NULL, row_version = s.row_version + 1,
			    delivered = CASE
			        WHEN s.delivered IS NULL AND NOT EXISTS (
			            SELECT 1 FROM outbox_message m WHERE m.outbox_id = s.outbox_id AND m.sent_time IS NULL
			        ) THEN $3
			        ELSE s.delivered
			    END
			WHERE s.outbox_id = $1 AND s.lock_id = $2
		`
		args = []any{scope.OutboxID, lockToken, r.now()}
	} else {
		query = `
			UPDATE inbox_state s
			SET lock_id = NULL, lock_expires_at = NULL, row_version = s.row_version + 1,
			    delivered = CASE
			        WHEN s.delivered IS NULL AND NOT EXISTS (
			            SELECT 1 FROM outbox_message m
			            WHERE m.inbox_message_id = s.message_id AND m.inbox_consumer_id = s.consumer_id AND m.sent_time IS NULL
			        ) THEN $4
			        ELSE s.delivered
			    END
			WHERE s.message_id = $1 AND s.consumer_id = $2 AND s.lock_id = $3
		`
		args = []any{scope.InboxMessageID, scope.InboxConsumerID, lockToken, r.now()}
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return database.Classify(fmt.Errorf("failed to release scope %s: %w", scope, err))
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for scope release: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrLockLost, scope)
	}
	return nil
}

func (r *OutboxRepository) ReadPending(ctx context.Context, scope domain.Scope, afterSequence int64, limit int) ([]domain.OutboxMessage, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	filter, args := scopeFilter(scope, 1)
	args = append(args, afterSequence, limit)
	query := fmt.Sprintf(`
		SELECT sequence_number, message_id, content_type, message_type, body, headers,
		       source_address, destination_address, response_address, fault_address,
		       conversation_id, correlation_id, initiator_id, request_id,
		       enqueue_time, sent_time, expiration_time, outbox_id, inbox_message_id, inbox_consumer_id
		FROM outbox_message
		WHERE %s AND sequence_number > $%d
		ORDER BY sequence_number ASC
		LIMIT $%d
	`, filter, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Classify(fmt.Errorf("failed to read pending outbox messages for %s: %w", scope, err))
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}
	return messages, nil
}

func (r *OutboxRepository) MarkDispatched(ctx context.Context, scope domain.Scope, lockToken uuid.UUID, upToSequence int64) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return database.Classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var (
		cursorQuery string
		cursorArgs  []any
	)
	if scope.Kind() == domain.ScopeOutbox {
		cursorQuery = `
			UPDATE outbox_state
			SET last_sequence_number = GREATEST(last_sequence_number, $3)
			WHERE outbox_id = $1 AND lock_id = $2
		`
		cursorArgs = []any{scope.OutboxID, lockToken, upToSequence}
	} else {
		cursorQuery = `
			UPDATE inbox_state
			SET dispatched_sequence_number = GREATEST(dispatched_sequence_number, $4)
			WHERE message_id = $1 AND consumer_id = $2 AND lock_id = $3
		`
		cursorArgs = []any{scope.InboxMessageID, scope.InboxConsumerID, lockToken, upToSequence}
	}

	res, err := tx.ExecContext(ctx, cursorQuery, cursorArgs...)
	if err != nil {
		return database.Classify(fmt.Errorf("failed to advance cursor for %s: %w", scope, err))
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for cursor update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrLockLost, scope)
	}

	filter, args := scopeFilter(scope, 1)
	args = append(args, upToSequence, r.now())
	markQuery := fmt.Sprintf(`
		UPDATE outbox_message
		SET sent_time = $%d
		WHERE %s AND sequence_number <= $%d AND sent_time IS NULL
	`, len(args), filter, len(args)-1)
	if _, err := tx.ExecContext(ctx, markQuery, args...); err != nil {
		return database.Classify(fmt.Errorf("failed to mark outbox messages sent for %s: %w", scope, err))
	}

	if err := tx.Commit(); err != nil {
		return database.Classify(fmt.Errorf("failed to commit dispatch mark for %s: %w", scope, err))
	}
	return nil
}

func (r *OutboxRepository) PendingScopes(ctx context.Context, limit int) ([]domain.Scope, error) {
	query := `
		SELECT outbox_id, inbox_message_id, inbox_consumer_id, MIN(sequence_number) AS first_sequence
		FROM outbox_message
		WHERE sent_time IS NULL
		GROUP BY outbox_id, inbox_message_id, inbox_consumer_id
		ORDER BY first_sequence ASC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, database.Classify(fmt.Errorf("failed to list pending scopes: %w", err))
	}
	defer rows.Close()

	var scopes []domain.Scope
	for rows.Next() {
		var (
			outboxID, inboxMessageID, inboxConsumerID uuid.NullUUID
			firstSequence                             int64
		)
		if err := rows.Scan(&outboxID, &inboxMessageID, &inboxConsumerID, &firstSequence); err != nil {
			return nil, fmt.Errorf("failed to scan pending scope: %w", err)
		}
		scopes = append(scopes, domain.Scope{
			OutboxID:        outboxID.UUID,
			InboxMessageID:  inboxMessageID.UUID,
			InboxConsumerID: inboxConsumerID.UUID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending scopes: %w", err)
	}
	return scopes, nil
}

func (r *OutboxRepository) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_message
		WHERE sent_time IS NOT NULL AND sent_time < $1
	`, olderThan)
	if err != nil {
		return 0, database.Classify(fmt.Errorf("failed to purge sent outbox messages: %w", err))
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for outbox purge: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		DELETE FROM outbox_state s
		WHERE s.delivered IS NOT NULL AND s.delivered < $1
		  AND (s.lock_id IS NULL OR s.lock_expires_at <= $2)
		  AND NOT EXISTS (SELECT 1 FROM outbox_message m WHERE m.outbox_id = s.outbox_id AND m.sent_time IS NULL)
	`, olderThan, r.now())
	if err != nil {
		return purged, database.Classify(fmt.Errorf("failed to purge delivered outbox states: %w", err))
	}
	return purged, nil
}

func (r *OutboxRepository) scopeExists(ctx context.Context, scope domain.Scope) (bool, error) {
	var (
		query string
		args  []any
	)
	if scope.Kind() == domain.ScopeOutbox {
		query = `SELECT EXISTS (SELECT 1 FROM outbox_state WHERE outbox_id = $1)`
		args = []any{scope.OutboxID}
	} else {
		query = `SELECT EXISTS (SELECT 1 FROM inbox_state WHERE message_id = $1 AND consumer_id = $2)`
		args = []any{scope.InboxMessageID, scope.InboxConsumerID}
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, database.Classify(fmt.Errorf("failed to check scope %s: %w", scope, err))
	}
	return exists, nil
}

// scopeFilter renders the WHERE fragment selecting scope, numbering
// placeholders from first.
func scopeFilter(scope domain.Scope, first int) (string, []any) {
	if scope.Kind() == domain.ScopeOutbox {
		return fmt.Sprintf("outbox_id = $%d", first), []any{scope.OutboxID}
	}
	return fmt.Sprintf("inbox_message_id = $%d AND inbox_consumer_id = $%d", first, first+1),
		[]any{scope.InboxMessageID, scope.InboxConsumerID}
}

func scanMessage(rows *sql.Rows) (*domain.OutboxMessage, error) {
	msg := &domain.OutboxMessage{}
	var (
		headers                              []byte
		source, destination, response, fault sql.NullString
		sentTime, expirationTime             sql.NullTime
	)
	err := rows.Scan(
		&msg.SequenceNumber,
		&msg.MessageID,
		&msg.ContentType,
		&msg.MessageType,
		&msg.Body,
		&headers,
		&source,
		&destination,
		&response,
		&fault,
		&msg.ConversationID,
		&msg.CorrelationID,
		&msg.InitiatorID,
		&msg.RequestID,
		&msg.EnqueueTime,
		&sentTime,
		&expirationTime,
		&msg.OutboxID,
		&msg.InboxMessageID,
		&msg.InboxConsumerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox message: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &msg.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode headers of outbox message %d: %w", msg.SequenceNumber, err)
		}
	}
	msg.SourceAddress = source.String
	msg.DestinationAddress = destination.String
	msg.ResponseAddress = response.String
	msg.FaultAddress = fault.String
	if sentTime.Valid {
		msg.SentTime = &sentTime.Time
	}
	if expirationTime.Valid {
		msg.ExpirationTime = &expirationTime.Time
	}
	return msg, nil
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
