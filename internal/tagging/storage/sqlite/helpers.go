package sqlite

import (
	"database/sql"
	"time"
)

// maxRowsPerQuery caps list queries so a single request cannot pull the
// whole table into memory.
const maxRowsPerQuery = 1000

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat64(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func fromNs(ns int64) time.Time {
	return time.Unix(0, ns)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
