package store

import (
	"database/sql"
	"strconv"
	"time"
)

// SetCheckpoint updates a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value. Returns "" when unset.
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetLastSyncedAt records the newest server timestamp seen for a
// conversation: the delta-resync watermark that survives restarts.
func (db *DB) SetLastSyncedAt(conversationID string, ts int64) error {
	return db.SetCheckpoint("last_synced_at:"+conversationID, strconv.FormatInt(ts, 10))
}

// LastSyncedAt returns the stored delta watermark, zero when never synced.
func (db *DB) LastSyncedAt(conversationID string) (int64, error) {
	v, err := db.GetCheckpoint("last_synced_at:" + conversationID)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// SetReadWatermark records the timestamp up to which the local user has
// read a conversation.
func (db *DB) SetReadWatermark(conversationID string, ts int64) error {
	return db.SetCheckpoint("read_watermark:"+conversationID, strconv.FormatInt(ts, 10))
}

// ReadWatermark returns the stored read watermark, zero when unset.
func (db *DB) ReadWatermark(conversationID string) (int64, error) {
	v, err := db.GetCheckpoint("read_watermark:" + conversationID)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
