package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"pavillion/internal/domain"
)

const edgeColumns = `id, resource_id, COALESCE(account_id,''), COALESCE(actor_id,''), role,
COALESCE(calendar_actor_uri,''), COALESCE(calendar_inbox_url,''), COALESCE(calendar_domain,''),
COALESCE(granted_by,''), granted_at`

func scanEdge(row rowScanner) (domain.AuthorizationEdge, error) {
	var e domain.AuthorizationEdge
	err := row.Scan(&e.ID, &e.ResourceID, &e.AccountID, &e.ActorID, &e.Role,
		&e.CalendarActorURI, &e.CalendarInboxURL, &e.CalendarDomain, &e.GrantedBy, &e.GrantedAt)
	if err == sql.ErrNoRows {
		return domain.AuthorizationEdge{}, ErrNotFound
	}
	return e, err
}

// InsertEdge stores an authorization edge unless one already exists for the
// same (resource, grantee) pair. It reports whether a row was inserted; the
// unique indexes are the final arbiter under concurrent inserts.
func (r Repo) InsertEdge(ctx context.Context, tx *sql.Tx, e domain.AuthorizationEdge) (bool, error) {
	if e.ID == "" {
		return false, errors.New("id required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return false, errors.New("resource_id required")
	}
	if (e.AccountID == "") == (e.ActorID == "") {
		return false, errors.New("exactly one of account_id or actor_id required")
	}
	if e.Role == "" {
		e.Role = domain.RoleEditor
	}
	if e.GrantedAt == "" {
		e.GrantedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO authorization_edges(id, resource_id, account_id, actor_id, role, calendar_actor_uri, calendar_inbox_url, calendar_domain, granted_by, granted_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ResourceID, nullable(e.AccountID), nullable(e.ActorID), e.Role,
		nullable(e.CalendarActorURI), nullable(e.CalendarInboxURL), nullable(e.CalendarDomain),
		nullable(e.GrantedBy), e.GrantedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) FindEdgeForAccount(ctx context.Context, tx *sql.Tx, resourceID, accountID string) (domain.AuthorizationEdge, error) {
	return scanEdge(r.conn(tx).QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM authorization_edges WHERE resource_id=? AND account_id=?`, resourceID, accountID))
}

func (r Repo) FindEdgeForActor(ctx context.Context, tx *sql.Tx, resourceID, actorID string) (domain.AuthorizationEdge, error) {
	return scanEdge(r.conn(tx).QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM authorization_edges WHERE resource_id=? AND actor_id=?`, resourceID, actorID))
}

// DeleteEdgeForAccount removes the edge and returns the number of rows deleted.
func (r Repo) DeleteEdgeForAccount(ctx context.Context, tx *sql.Tx, resourceID, accountID string) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM authorization_edges WHERE resource_id=? AND account_id=?`, resourceID, accountID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteEdgeForAccountFromCalendar removes a local account's grant only when
// it was issued by calendarActorURI.
func (r Repo) DeleteEdgeForAccountFromCalendar(ctx context.Context, tx *sql.Tx, resourceID, accountID, calendarActorURI string) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx,
		`DELETE FROM authorization_edges WHERE resource_id=? AND account_id=? AND calendar_actor_uri=?`,
		resourceID, accountID, calendarActorURI)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteEdgeForActor(ctx context.Context, tx *sql.Tx, resourceID, actorID string) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM authorization_edges WHERE resource_id=? AND actor_id=?`, resourceID, actorID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListEdgesForResource returns every grant on a calendar, oldest first.
func (r Repo) ListEdgesForResource(ctx context.Context, resourceID string) ([]domain.AuthorizationEdge, error) {
	return r.listEdges(ctx, `WHERE resource_id=?`, resourceID)
}

// ListEdgesForAccount returns the calendars a local account may edit.
func (r Repo) ListEdgesForAccount(ctx context.Context, accountID string) ([]domain.AuthorizationEdge, error) {
	return r.listEdges(ctx, `WHERE account_id=?`, accountID)
}

func (r Repo) listEdges(ctx context.Context, where string, args ...any) ([]domain.AuthorizationEdge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+edgeColumns+` FROM authorization_edges `+where+` ORDER BY granted_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []domain.AuthorizationEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
