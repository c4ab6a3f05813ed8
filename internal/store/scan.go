package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Helpers for mapping between Go optional/JSON fields and SQLite columns.
// Optional timestamps are NULL in the database and *time.Time in entities;
// JSON blobs are TEXT columns holding '' when absent.

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func rawString(r json.RawMessage) string {
	return string(r)
}

func stringRaw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
