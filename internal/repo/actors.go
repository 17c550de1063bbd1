package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"pavillion/internal/domain"
)

const actorColumns = `id, kind, COALESCE(account_id,''), COALESCE(calendar_id,''), actor_uri,
COALESCE(username,''), COALESCE(remote_username,''), COALESCE(remote_domain,''), COALESCE(inbox_url,''),
public_key, COALESCE(private_key,''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (domain.Actor, error) {
	var a domain.Actor
	var kind string
	err := row.Scan(&a.ID, &kind, &a.AccountID, &a.CalendarID, &a.ActorURI,
		&a.Username, &a.RemoteUsername, &a.RemoteDomain, &a.InboxURL,
		&a.PublicKeyPEM, &a.PrivateKeyPEM, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Actor{}, ErrNotFound
	}
	if err != nil {
		return domain.Actor{}, err
	}
	a.Kind = domain.ActorKind(kind)
	return a, nil
}

// InsertActor stores a new actor. A clash on actor_uri, account_id or
// calendar_id returns ErrConflict so callers can fall back to a lookup.
func (r Repo) InsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	if a.ID == "" {
		return errors.New("id required")
	}
	if strings.TrimSpace(a.ActorURI) == "" {
		return errors.New("actor_uri required")
	}
	if a.PublicKeyPEM == "" {
		return errors.New("public_key required")
	}
	if a.Kind == domain.ActorRemote && a.PrivateKeyPEM != "" {
		return errors.New("remote actors cannot carry a private key")
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO actors(id, kind, account_id, calendar_id, actor_uri, username, remote_username, remote_domain, inbox_url, public_key, private_key, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Kind), nullable(a.AccountID), nullable(a.CalendarID), a.ActorURI,
		nullable(a.Username), nullable(a.RemoteUsername), nullable(a.RemoteDomain), nullable(a.InboxURL),
		a.PublicKeyPEM, nullable(a.PrivateKeyPEM), a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return scanActor(r.DB.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id=?`, id))
}

func (r Repo) GetActorByURI(ctx context.Context, uri string) (domain.Actor, error) {
	return scanActor(r.DB.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE actor_uri=?`, uri))
}

func (r Repo) GetActorByAccountID(ctx context.Context, accountID string) (domain.Actor, error) {
	return scanActor(r.DB.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE account_id=?`, accountID))
}

func (r Repo) GetActorByCalendarID(ctx context.Context, calendarID string) (domain.Actor, error) {
	return scanActor(r.DB.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE calendar_id=?`, calendarID))
}

// GetActorByUsername returns the local user actor with the given username.
func (r Repo) GetActorByUsername(ctx context.Context, username string) (domain.Actor, error) {
	return scanActor(r.DB.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE kind='local' AND account_id IS NOT NULL AND username=?`, username))
}

// UpdateRemoteActor refreshes the inbox and key of a remote actor after a
// re-fetch. Local actors are immutable here.
func (r Repo) UpdateRemoteActor(ctx context.Context, a domain.Actor) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET inbox_url=?, public_key=?, remote_username=?, remote_domain=? WHERE id=? AND kind='remote'`,
		nullable(a.InboxURL), a.PublicKeyPEM, nullable(a.RemoteUsername), nullable(a.RemoteDomain), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActors returns actors, optionally filtered by kind.
func (r Repo) ListActors(ctx context.Context, kind domain.ActorKind) ([]domain.Actor, error) {
	query := `SELECT ` + actorColumns + ` FROM actors`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at, actor_uri`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}
