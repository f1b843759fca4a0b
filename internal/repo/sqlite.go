package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"makerspace/internal/domain"
)

// SQLRepo stores requests in SQLite. Every id ever written is kept in the
// request_ids ledger so deleted ids stay reserved.
type SQLRepo struct {
	DB *sql.DB
}

const requestColumns = `id,owner_id,created_at,title,body,status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var (
		r       domain.Request
		created int64
		status  string
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &created, &r.Title, &r.Body, &status); err != nil {
		return domain.Request{}, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.Status = domain.Status(status)
	return r, nil
}

func (s SQLRepo) Put(ctx context.Context, r domain.Request) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin put")
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO request_ids(id, allocated_at) VALUES (?,?)`,
		r.ID, r.CreatedAt.UnixNano())
	if err != nil {
		return storeErr(err, "reserve request id")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?)`,
		r.ID, r.OwnerID, r.CreatedAt.UnixNano(), r.Title, r.Body, string(r.Status)); err != nil {
		return storeErr(err, "insert request")
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err, "commit put")
	}
	return nil
}

func (s SQLRepo) Get(ctx context.Context, id string) (domain.Request, error) {
	r, err := scanRequest(s.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Request{}, ErrNotFound
	}
	if err != nil {
		return domain.Request{}, storeErr(err, "get request")
	}
	return r, nil
}

func (s SQLRepo) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM requests WHERE id=?`, id)
	if err != nil {
		return storeErr(err, "delete request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s SQLRepo) ListByOwner(ctx context.Context, ownerID string) ([]domain.Request, error) {
	return s.list(ctx, `SELECT `+requestColumns+` FROM requests WHERE owner_id=? ORDER BY created_at ASC, id ASC`, ownerID)
}

func (s SQLRepo) ListAll(ctx context.Context) ([]domain.Request, error) {
	return s.list(ctx, `SELECT `+requestColumns+` FROM requests ORDER BY created_at ASC, id ASC`)
}

func (s SQLRepo) list(ctx context.Context, query string, args ...any) ([]domain.Request, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "list requests")
	}
	defer rows.Close()
	res := []domain.Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, storeErr(err, "scan request")
		}
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "list requests")
	}
	return res, nil
}

// storeErr classifies driver errors. Busy, locked, I/O and deadline failures
// are transient; everything else is returned wrapped as-is.
func storeErr(err error, op string) error {
	if isTransient(err) {
		return Unavailable(errors.Wrap(err, op))
	}
	return errors.Wrap(err, op)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_PROTOCOL:
			return true
		}
	}
	return false
}
