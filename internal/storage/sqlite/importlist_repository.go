package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/bookhound/bookhound/internal/storage"
)

// ImportListRepository stores import list poll state in SQLite. The
// observed hash set is kept as a JSON array so the previous snapshot
// survives restarts for the next diff.
type ImportListRepository struct {
	db *sql.DB
}

func NewImportListRepository(dbConn *sql.DB) *ImportListRepository {
	return &ImportListRepository{db: dbConn}
}

const importListColumns = `id, user_id, name, feed_url, mode, enabled, language, format,
	use_book_language, last_observed_hashes, last_fetched_at, fetch_error`

func (r *ImportListRepository) CreateImportList(list *storage.ImportListState) (int64, error) {
	hashes, err := json.Marshal(list.LastObservedHashes)
	if err != nil {
		return 0, err
	}

	if list.LastObservedHashes == nil {
		hashes = []byte("[]")
	}

	res, err := r.db.Exec(`INSERT INTO import_lists
		(user_id, name, feed_url, mode, enabled, language, format, use_book_language, last_observed_hashes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		list.UserID, list.Name, list.FeedURL, list.Mode, list.Enabled,
		list.Language, list.Format, list.UseBookLanguage, string(hashes),
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

func (r *ImportListRepository) GetImportList(id int64) (*storage.ImportListState, error) {
	row := r.db.QueryRow(`SELECT `+importListColumns+` FROM import_lists WHERE id = ?`, id)

	list, err := scanImportList(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	return list, err
}

func (r *ImportListRepository) ImportLists() ([]*storage.ImportListState, error) {
	rows, err := r.db.Query(`SELECT ` + importListColumns + ` FROM import_lists ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []*storage.ImportListState

	for rows.Next() {
		list, err := scanImportList(rows)
		if err != nil {
			return nil, err
		}

		lists = append(lists, list)
	}

	return lists, rows.Err()
}

// ReplaceObservedHashes persists the poll snapshot and clears any previous
// fetch error.
func (r *ImportListRepository) ReplaceObservedHashes(id int64, hashes []string, fetchedAt time.Time) error {
	if hashes == nil {
		hashes = []string{}
	}

	encoded, err := json.Marshal(hashes)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`UPDATE import_lists SET last_observed_hashes = ?, last_fetched_at = ?, fetch_error = '' WHERE id = ?`,
		string(encoded), fetchedAt.Format(time.RFC3339), id)

	return err
}

func (r *ImportListRepository) DisableImportList(id int64, fetchError string) error {
	_, err := r.db.Exec(`UPDATE import_lists SET enabled = 0, fetch_error = ? WHERE id = ?`, fetchError, id)

	return err
}

func (r *ImportListRepository) RecordFetchError(id int64, fetchError string) error {
	_, err := r.db.Exec(`UPDATE import_lists SET fetch_error = ? WHERE id = ?`, fetchError, id)

	return err
}

func scanImportList(row rowScanner) (*storage.ImportListState, error) {
	var list storage.ImportListState

	var (
		hashes      string
		lastFetched sql.NullString
	)

	err := row.Scan(
		&list.ID, &list.UserID, &list.Name, &list.FeedURL, &list.Mode, &list.Enabled,
		&list.Language, &list.Format, &list.UseBookLanguage, &hashes, &lastFetched, &list.FetchError,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(hashes), &list.LastObservedHashes); err != nil {
		return nil, err
	}

	if lastFetched.Valid {
		if ts, err := time.Parse(time.RFC3339, lastFetched.String); err == nil {
			list.LastFetchedAt = &ts
		}
	}

	return &list, nil
}
