package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/tagconsensus/internal/reputation"
	"github.com/banshee-data/tagconsensus/internal/tagging"
	"github.com/banshee-data/tagconsensus/internal/timeutil"
)

// TagStore persists tags, consensus records, reputations and conflicts.
type TagStore struct {
	db      *sql.DB
	clock   timeutil.Clock
	tracker *reputation.Tracker
}

// NewTagStore creates a TagStore over an already-migrated database. A nil
// clock uses wall time.
func NewTagStore(db *sql.DB, clock timeutil.Clock) *TagStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &TagStore{db: db, clock: clock, tracker: reputation.NewTracker(clock)}
}

// Ping checks that the database is reachable.
func (s *TagStore) Ping() error {
	if err := s.db.Ping(); err != nil {
		return &tagging.StorageError{Op: "ping", Err: err}
	}
	return nil
}

const tagColumns = `tag_id, video_id, frame_num, track_id, player_name, user_id,
	confidence, submitted_at_ns, x, y, team, ip_address, session_id, device_info`

// SubmitTag validates and upserts a tag by (video, frame, track, user), then
// recomputes the submitter's reputation in the same transaction. The tag id
// is stable across resubmissions. Consensus is not recomputed.
func (s *TagStore) SubmitTag(tag *tagging.Tag) (int64, error) {
	if err := tag.Validate(); err != nil {
		return 0, err
	}
	now := s.clock.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, &tagging.StorageError{Op: "begin submit", Err: err}
	}
	defer tx.Rollback()

	// The write comes first so the transaction holds the write lock before
	// the reputation reads.
	var tagID int64
	err = tx.QueryRow(`
		INSERT INTO tags (
			video_id, frame_num, track_id, player_name, user_id, confidence,
			submitted_at_ns, x, y, team, ip_address, session_id, device_info
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (video_id, frame_num, track_id, user_id) DO UPDATE SET
			player_name = excluded.player_name,
			confidence = excluded.confidence,
			submitted_at_ns = excluded.submitted_at_ns,
			x = excluded.x,
			y = excluded.y,
			team = excluded.team,
			ip_address = excluded.ip_address,
			session_id = excluded.session_id,
			device_info = excluded.device_info
		RETURNING tag_id`,
		tag.VideoID, tag.FrameNum, tag.TrackID, tag.PlayerName, tag.UserID, tag.Confidence,
		now.UnixNano(),
		nullFloat64(tag.Metadata.X), nullFloat64(tag.Metadata.Y),
		nullString(tag.Metadata.Team), nullString(tag.Metadata.IPAddress),
		nullString(tag.Metadata.SessionID), nullString(tag.Metadata.DeviceInfo),
	).Scan(&tagID)
	if err != nil {
		return 0, &tagging.StorageError{Op: "upsert tag", Err: err}
	}

	if _, err := s.tracker.Recompute(tx, tag.UserID); err != nil {
		return 0, fmt.Errorf("update reputation for %s: %w", tag.UserID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, &tagging.StorageError{Op: "commit submit", Err: err}
	}

	tag.ID = tagID
	tag.Timestamp = now
	return tagID, nil
}

// GetTags returns the tags for one tracked object, or for every tracked
// object in the frame when trackID is nil. Tags are ordered by track, then by
// submission time, oldest first.
func (s *TagStore) GetTags(videoID string, frameNum int64, trackID *int64) ([]tagging.Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags WHERE video_id = ? AND frame_num = ?`
	args := []interface{}{videoID, frameNum}
	if trackID != nil {
		query += " AND track_id = ?"
		args = append(args, *trackID)
	}
	query += " ORDER BY track_id, submitted_at_ns, tag_id"

	return s.queryTags("get tags", query, args...)
}

// GetUserTags returns a contributor's most recent tags, newest first.
func (s *TagStore) GetUserTags(userID string, limit int) ([]tagging.Tag, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxRowsPerQuery {
		limit = maxRowsPerQuery
	}
	query := `SELECT ` + tagColumns + ` FROM tags WHERE user_id = ?
		ORDER BY submitted_at_ns DESC, tag_id DESC LIMIT ?`
	return s.queryTags("get user tags", query, userID, limit)
}

func (s *TagStore) queryTags(op, query string, args ...interface{}) ([]tagging.Tag, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &tagging.StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	tags := []tagging.Tag{}
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, &tagging.StorageError{Op: op, Err: err}
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, &tagging.StorageError{Op: op, Err: err}
	}
	return tags, nil
}

func scanTag(row scanner) (tagging.Tag, error) {
	var (
		tag                              tagging.Tag
		submittedNs                      int64
		x, y                             sql.NullFloat64
		team, ipAddress, session, device sql.NullString
	)
	err := row.Scan(
		&tag.ID,
		&tag.VideoID,
		&tag.FrameNum,
		&tag.TrackID,
		&tag.PlayerName,
		&tag.UserID,
		&tag.Confidence,
		&submittedNs,
		&x,
		&y,
		&team,
		&ipAddress,
		&session,
		&device,
	)
	if err != nil {
		return tag, err
	}
	tag.Timestamp = fromNs(submittedNs)
	tag.Metadata = tagging.TagMetadata{
		X:          floatPtr(x),
		Y:          floatPtr(y),
		Team:       team.String,
		IPAddress:  ipAddress.String,
		SessionID:  session.String,
		DeviceInfo: device.String,
	}
	return tag, nil
}
