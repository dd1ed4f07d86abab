package domain

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the current on-disk layout version for cached
// entries and backups. Bump it when the envelope format changes.
const SchemaVersion = 2

// BackupEntry is one stored key captured in a backup.
type BackupEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// CacheBackup is a point-in-time capture of one server's cached state.
type CacheBackup struct {
	ID        string        `json:"id"`
	ServerID  string        `json:"server_id"`
	Version   int           `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	Entries   []BackupEntry `json:"entries"`
}
