package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"pavillion/internal/domain"
)

// InsertOutboxMessage appends an activity to the outbox. The outbox is
// append-only; a repeated activity id returns ErrConflict.
func (r Repo) InsertOutboxMessage(ctx context.Context, m domain.OutboxMessage) error {
	if m.ID == "" {
		return errors.New("id required")
	}
	if m.CalendarID == "" {
		return errors.New("calendar_id required")
	}
	if !json.Valid(m.Message) {
		return errors.New("message must be valid json")
	}
	if m.MessageTime == "" {
		m.MessageTime = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO outbox_messages(id, type, calendar_id, message_time, message) VALUES (?,?,?,?,?)`,
		m.ID, m.Type, m.CalendarID, m.MessageTime, string(m.Message))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanOutbox(row rowScanner) (domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	var msg string
	err := row.Scan(&m.ID, &m.Type, &m.CalendarID, &m.MessageTime, &msg)
	if err == sql.ErrNoRows {
		return domain.OutboxMessage{}, ErrNotFound
	}
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	m.Message = json.RawMessage(msg)
	return m, nil
}

func (r Repo) GetOutboxMessage(ctx context.Context, id string) (domain.OutboxMessage, error) {
	return scanOutbox(r.DB.QueryRowContext(ctx, `SELECT id, type, calendar_id, message_time, message FROM outbox_messages WHERE id=?`, id))
}

// ListOutboxMessages returns the newest messages first, optionally for one calendar.
func (r Repo) ListOutboxMessages(ctx context.Context, calendarID string, limit int) ([]domain.OutboxMessage, error) {
	query := `SELECT id, type, calendar_id, message_time, message FROM outbox_messages`
	var args []any
	if calendarID != "" {
		query += ` WHERE calendar_id=?`
		args = append(args, calendarID)
	}
	query += ` ORDER BY message_time DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EnsureDelivery registers a pending delivery of a message to an inbox.
// Existing rows are left untouched.
func (r Repo) EnsureDelivery(ctx context.Context, messageID, inboxURL string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO outbox_deliveries(message_id, inbox_url, status, attempts, updated_at) VALUES (?,?,?,0,?)`,
		messageID, inboxURL, string(domain.DeliveryPending), now.UTC().Format(time.RFC3339))
	return err
}

// RecordDeliveryAttempt increments the attempt counter and stores the outcome.
func (r Repo) RecordDeliveryAttempt(ctx context.Context, messageID, inboxURL string, status domain.DeliveryStatus, lastErr string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox_deliveries SET status=?, attempts=attempts+1, last_error=?, updated_at=? WHERE message_id=? AND inbox_url=?`,
		string(status), nullable(lastErr), now.UTC().Format(time.RFC3339), messageID, inboxURL)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingDeliveries returns deliveries still awaiting success, oldest first.
func (r Repo) PendingDeliveries(ctx context.Context, limit int) ([]domain.OutboxDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listDeliveries(ctx, `WHERE status=? ORDER BY updated_at, message_id LIMIT ?`, string(domain.DeliveryPending), limit)
}

func (r Repo) DeliveriesForMessage(ctx context.Context, messageID string) ([]domain.OutboxDelivery, error) {
	return r.listDeliveries(ctx, `WHERE message_id=? ORDER BY inbox_url`, messageID)
}

func (r Repo) listDeliveries(ctx context.Context, tail string, args ...any) ([]domain.OutboxDelivery, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT message_id, inbox_url, status, attempts, COALESCE(last_error,''), updated_at FROM outbox_deliveries `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OutboxDelivery
	for rows.Next() {
		var d domain.OutboxDelivery
		var status string
		if err := rows.Scan(&d.MessageID, &d.InboxURL, &status, &d.Attempts, &d.LastError, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = domain.DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// UndispatchedMessages returns messages whose recipients have not been
// resolved yet, oldest first.
func (r Repo) UndispatchedMessages(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT m.id, m.type, m.calendar_id, m.message_time, m.message FROM outbox_messages m
WHERE NOT EXISTS (SELECT 1 FROM outbox_dispatches x WHERE x.message_id = m.id)
ORDER BY m.message_time, m.id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessageDispatched records that the recipients of a message have been
// resolved, including when there were none. Repeated calls are no-ops.
func (r Repo) MarkMessageDispatched(ctx context.Context, messageID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO outbox_dispatches(message_id, dispatched_at) VALUES (?,?)`,
		messageID, now.UTC().Format(time.RFC3339))
	return err
}
