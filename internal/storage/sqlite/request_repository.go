package sqlite

import (
	"database/sql"
	"time"

	"github.com/bookhound/bookhound/internal/storage"
)

// RequestRepository stores standing requests in SQLite.
type RequestRepository struct {
	db *sql.DB
}

func NewRequestRepository(dbConn *sql.DB) *RequestRepository {
	return &RequestRepository{db: dbConn}
}

const requestColumns = `id, user_id, status, query, title, author, isbn, year,
	format, language, target_hash, last_checked_at, fulfilled_hash, created_at`

func (r *RequestRepository) CreateRequest(req *storage.StandingRequest) (int64, error) {
	res, err := r.db.Exec(`INSERT INTO requests
		(user_id, status, query, title, author, isbn, year, format, language, target_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.UserID, req.Status, req.Query, req.Title, req.Author, req.ISBN, req.Year,
		req.Format, req.Language, req.TargetHash, req.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

func (r *RequestRepository) GetRequest(id int64) (*storage.StandingRequest, error) {
	row := r.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	return req, err
}

func (r *RequestRepository) ActiveRequests() ([]*storage.StandingRequest, error) {
	rows, err := r.db.Query(`SELECT ` + requestColumns + ` FROM requests WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*storage.StandingRequest

	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}

		requests = append(requests, req)
	}

	return requests, rows.Err()
}

func (r *RequestRepository) UpdateRequestStatus(id int64, status string) error {
	res, err := r.db.Exec(`UPDATE requests SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *RequestRepository) StampRequestChecked(id int64, at time.Time) error {
	_, err := r.db.Exec(`UPDATE requests SET last_checked_at = ? WHERE id = ?`, at.Format(time.RFC3339), id)

	return err
}

// MarkRequestFulfilled is the one-shot fulfilled transition: the WHERE
// clause only matches requests still active, so a second call reports
// false instead of re-fulfilling.
func (r *RequestRepository) MarkRequestFulfilled(id int64, hash string) (bool, error) {
	res, err := r.db.Exec(`UPDATE requests SET status = 'fulfilled', fulfilled_hash = ? WHERE id = ? AND status = 'active'`,
		hash, id)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *RequestRepository) FindOpenRequest(userID int64, title, author string) (*storage.StandingRequest, error) {
	row := r.db.QueryRow(`SELECT `+requestColumns+` FROM requests
		WHERE user_id = ? AND title = ? AND author = ? AND status IN ('active', 'pending_approval')
		LIMIT 1`, userID, title, author)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	return req, err
}

func scanRequest(row rowScanner) (*storage.StandingRequest, error) {
	var req storage.StandingRequest

	var (
		lastChecked sql.NullString
		createdAt   string
	)

	err := row.Scan(
		&req.ID, &req.UserID, &req.Status, &req.Query, &req.Title, &req.Author,
		&req.ISBN, &req.Year, &req.Format, &req.Language, &req.TargetHash,
		&lastChecked, &req.FulfilledHash, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if lastChecked.Valid {
		if ts, err := time.Parse(time.RFC3339, lastChecked.String); err == nil {
			req.LastCheckedAt = &ts
		}
	}

	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		req.CreatedAt = ts
	}

	return &req, nil
}
