package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/banshee-data/tagconsensus/internal/tagging"
)

const conflictColumns = `conflict_id, video_id, frame_num, track_id, conflicting_tags,
	resolution, resolved_by, resolved_at_ns, created_at_ns`

// RecordConflict stores a snapshot of the tags behind a disputed key. A key
// has at most one conflict: recording it again refreshes the snapshot, and a
// resolved conflict is reopened only when the tags have changed since.
func (s *TagStore) RecordConflict(key tagging.TagKey, tags []tagging.Tag) (*tagging.Conflict, error) {
	if tags == nil {
		tags = []tagging.Tag{}
	}
	snapshot, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode conflict snapshot: %w", err)
	}
	now := s.clock.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, &tagging.StorageError{Op: "begin record conflict", Err: err}
	}
	defer tx.Rollback()

	var existingID, existingSnapshot string
	err = tx.QueryRow(`SELECT conflict_id, conflicting_tags FROM conflicts
		WHERE video_id = ? AND frame_num = ? AND track_id = ?`,
		key.VideoID, key.FrameNum, key.TrackID).Scan(&existingID, &existingSnapshot)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`INSERT INTO conflicts (`+conflictColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
			uuid.New().String(), key.VideoID, key.FrameNum, key.TrackID,
			string(snapshot), tagging.ConflictPending, now.UnixNano())
		if err != nil {
			return nil, &tagging.StorageError{Op: "insert conflict", Err: err}
		}
	case err != nil:
		return nil, &tagging.StorageError{Op: "find conflict", Err: err}
	case existingSnapshot != string(snapshot):
		_, err = tx.Exec(`UPDATE conflicts SET
				conflicting_tags = ?, resolution = ?, resolved_by = NULL, resolved_at_ns = NULL
			WHERE conflict_id = ?`,
			string(snapshot), tagging.ConflictPending, existingID)
		if err != nil {
			return nil, &tagging.StorageError{Op: "refresh conflict", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &tagging.StorageError{Op: "commit record conflict", Err: err}
	}
	return s.GetConflict(key)
}

// GetConflict returns the conflict for key, or nil if none was recorded.
func (s *TagStore) GetConflict(key tagging.TagKey) (*tagging.Conflict, error) {
	row := s.db.QueryRow(`SELECT `+conflictColumns+` FROM conflicts
		WHERE video_id = ? AND frame_num = ? AND track_id = ?`,
		key.VideoID, key.FrameNum, key.TrackID)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &tagging.StorageError{Op: "get conflict", Err: err}
	}
	return c, nil
}

// ListConflicts returns conflicts oldest first. Empty filters match everything.
func (s *TagStore) ListConflicts(videoID, resolution string) ([]tagging.Conflict, error) {
	var (
		where []string
		args  []interface{}
	)
	if videoID != "" {
		where = append(where, "video_id = ?")
		args = append(args, videoID)
	}
	if resolution != "" {
		where = append(where, "resolution = ?")
		args = append(args, resolution)
	}

	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at_ns, conflict_id LIMIT %d", maxRowsPerQuery)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &tagging.StorageError{Op: "list conflicts", Err: err}
	}
	defer rows.Close()

	conflicts := []tagging.Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, &tagging.StorageError{Op: "list conflicts", Err: err}
		}
		conflicts = append(conflicts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, &tagging.StorageError{Op: "list conflicts", Err: err}
	}
	return conflicts, nil
}

// ResolveConflict marks the conflict for key as reviewed. It returns
// ErrConflictNotFound when the key has no conflict.
func (s *TagStore) ResolveConflict(key tagging.TagKey, resolution, resolvedBy string) (*tagging.Conflict, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" || resolution == tagging.ConflictPending {
		return nil, &tagging.ValidationError{Field: "resolution", Reason: "must name the outcome"}
	}
	if strings.TrimSpace(resolvedBy) == "" {
		return nil, &tagging.ValidationError{Field: "resolved_by", Reason: "must not be empty"}
	}

	res, err := s.db.Exec(`UPDATE conflicts SET resolution = ?, resolved_by = ?, resolved_at_ns = ?
		WHERE video_id = ? AND frame_num = ? AND track_id = ?`,
		resolution, resolvedBy, s.clock.Now().UnixNano(),
		key.VideoID, key.FrameNum, key.TrackID)
	if err != nil {
		return nil, &tagging.StorageError{Op: "resolve conflict", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, &tagging.StorageError{Op: "resolve conflict", Err: err}
	}
	if n == 0 {
		return nil, fmt.Errorf("resolve %s: %w", key, tagging.ErrConflictNotFound)
	}
	return s.GetConflict(key)
}

func scanConflict(row scanner) (*tagging.Conflict, error) {
	var (
		c          tagging.Conflict
		snapshot   string
		resolvedBy sql.NullString
		resolvedNs sql.NullInt64
		createdNs  int64
	)
	err := row.Scan(&c.ConflictID, &c.VideoID, &c.FrameNum, &c.TrackID, &snapshot,
		&c.Resolution, &resolvedBy, &resolvedNs, &createdNs)
	if err != nil {
		return nil, err
	}
	c.ResolvedBy = resolvedBy.String
	if resolvedNs.Valid {
		t := fromNs(resolvedNs.Int64)
		c.ResolvedAt = &t
	}
	c.CreatedAt = fromNs(createdNs)
	c.ConflictingTags = []tagging.Tag{}
	if err := json.Unmarshal([]byte(snapshot), &c.ConflictingTags); err != nil {
		return nil, fmt.Errorf("decode conflict %s: %w", c.ConflictID, err)
	}
	return &c, nil
}
