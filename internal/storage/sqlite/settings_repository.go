package sqlite

import "database/sql"

// SettingsRepository stores process flags in a small key/value table.
type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(dbConn *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: dbConn}
}

const queuePausedKey = "queue_paused"

func (r *SettingsRepository) QueuePaused() (bool, error) {
	var value string

	err := r.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, queuePausedKey).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return value == "1", nil
}

func (r *SettingsRepository) SetQueuePaused(paused bool) error {
	value := "0"
	if paused {
		value = "1"
	}

	_, err := r.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, queuePausedKey, value)

	return err
}
