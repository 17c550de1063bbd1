package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"pavillion/internal/domain"
)

// InsertAccount stores a local account. Accounts are owned by the wider
// application; the federation core only needs them for lookups.
func (r Repo) InsertAccount(ctx context.Context, a domain.Account) error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Username) == "" {
		return errors.New("account id and username required")
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO accounts(id, username, email, created_at) VALUES (?,?,?,?)`,
		a.ID, a.Username, nullable(a.Email), a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Account{}, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT id, username, COALESCE(email,''), created_at FROM accounts WHERE id=?`, id))
}

func (r Repo) GetAccountByUsername(ctx context.Context, username string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT id, username, COALESCE(email,''), created_at FROM accounts WHERE username=?`, username))
}

func (r Repo) InsertCalendar(ctx context.Context, c domain.Calendar) error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.URLName) == "" {
		return errors.New("calendar id and url_name required")
	}
	if c.CreatedAt == "" {
		c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO calendars(id, url_name, account_id, created_at) VALUES (?,?,?,?)`,
		c.ID, c.URLName, nullable(c.AccountID), c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanCalendar(row *sql.Row) (domain.Calendar, error) {
	var c domain.Calendar
	err := row.Scan(&c.ID, &c.URLName, &c.AccountID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Calendar{}, ErrNotFound
	}
	return c, err
}

func (r Repo) GetCalendar(ctx context.Context, id string) (domain.Calendar, error) {
	return scanCalendar(r.DB.QueryRowContext(ctx, `SELECT id, url_name, COALESCE(account_id,''), created_at FROM calendars WHERE id=?`, id))
}

func (r Repo) GetCalendarByURLName(ctx context.Context, urlName string) (domain.Calendar, error) {
	return scanCalendar(r.DB.QueryRowContext(ctx, `SELECT id, url_name, COALESCE(account_id,''), created_at FROM calendars WHERE url_name=?`, urlName))
}
