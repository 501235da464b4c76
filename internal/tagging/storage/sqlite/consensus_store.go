package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/tagconsensus/internal/tagging"
)

const consensusColumns = `video_id, frame_num, track_id, player_name, confidence_score,
	vote_count, agreement_rate, status, alternatives, last_updated_ns`

// UpsertConsensus writes the record for its key, replacing any previous one.
// Concurrent writers for the same key resolve last-writer-wins.
func (s *TagStore) UpsertConsensus(rec *tagging.ConsensusRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("upsert consensus %s: unknown status %q", rec.Key(), rec.Status)
	}
	if rec.Alternatives == nil {
		rec.Alternatives = []tagging.Alternative{}
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = s.clock.Now()
	}

	alternatives, err := json.Marshal(rec.Alternatives)
	if err != nil {
		return fmt.Errorf("encode alternatives: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO consensus (`+consensusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (video_id, frame_num, track_id) DO UPDATE SET
			player_name = excluded.player_name,
			confidence_score = excluded.confidence_score,
			vote_count = excluded.vote_count,
			agreement_rate = excluded.agreement_rate,
			status = excluded.status,
			alternatives = excluded.alternatives,
			last_updated_ns = excluded.last_updated_ns`,
		rec.VideoID, rec.FrameNum, rec.TrackID, rec.PlayerName, rec.ConfidenceScore,
		rec.VoteCount, rec.AgreementRate, string(rec.Status), string(alternatives),
		rec.LastUpdated.UnixNano(),
	)
	if err != nil {
		return &tagging.StorageError{Op: "upsert consensus", Err: err}
	}
	return nil
}

// GetConsensus returns the record for key, or nil if none has been computed.
func (s *TagStore) GetConsensus(key tagging.TagKey) (*tagging.ConsensusRecord, error) {
	row := s.db.QueryRow(`SELECT `+consensusColumns+` FROM consensus
		WHERE video_id = ? AND frame_num = ? AND track_id = ?`,
		key.VideoID, key.FrameNum, key.TrackID)

	rec, err := scanConsensus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &tagging.StorageError{Op: "get consensus", Err: err}
	}
	return rec, nil
}

// GetFrameConsensus returns every record in a frame ordered by track.
func (s *TagStore) GetFrameConsensus(videoID string, frameNum int64) ([]tagging.ConsensusRecord, error) {
	return s.queryConsensus("get frame consensus",
		`SELECT `+consensusColumns+` FROM consensus
		WHERE video_id = ? AND frame_num = ?
		ORDER BY track_id`,
		videoID, frameNum)
}

// ListVideoConsensus returns the records of a whole video, optionally
// filtered by status, ordered by frame and track.
func (s *TagStore) ListVideoConsensus(videoID string, status tagging.Status) ([]tagging.ConsensusRecord, error) {
	query := `SELECT ` + consensusColumns + ` FROM consensus WHERE video_id = ?`
	args := []interface{}{videoID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += fmt.Sprintf(" ORDER BY frame_num, track_id LIMIT %d", maxRowsPerQuery)
	return s.queryConsensus("list video consensus", query, args...)
}

// CountConsensusByStatus returns how many records of a video are in each status.
func (s *TagStore) CountConsensusByStatus(videoID string) (map[tagging.Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM consensus`
	var args []interface{}
	if videoID != "" {
		query += " WHERE video_id = ?"
		args = append(args, videoID)
	}
	query += " GROUP BY status"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &tagging.StorageError{Op: "count consensus by status", Err: err}
	}
	defer rows.Close()

	counts := map[tagging.Status]int64{
		tagging.StatusPending:   0,
		tagging.StatusConfirmed: 0,
		tagging.StatusDisputed:  0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &tagging.StorageError{Op: "count consensus by status", Err: err}
		}
		counts[tagging.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &tagging.StorageError{Op: "count consensus by status", Err: err}
	}
	return counts, nil
}

func (s *TagStore) queryConsensus(op, query string, args ...interface{}) ([]tagging.ConsensusRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &tagging.StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	records := []tagging.ConsensusRecord{}
	for rows.Next() {
		rec, err := scanConsensus(rows)
		if err != nil {
			return nil, &tagging.StorageError{Op: op, Err: err}
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &tagging.StorageError{Op: op, Err: err}
	}
	return records, nil
}

func scanConsensus(row scanner) (*tagging.ConsensusRecord, error) {
	var (
		rec          tagging.ConsensusRecord
		status       string
		alternatives string
		updatedNs    int64
	)
	err := row.Scan(
		&rec.VideoID,
		&rec.FrameNum,
		&rec.TrackID,
		&rec.PlayerName,
		&rec.ConfidenceScore,
		&rec.VoteCount,
		&rec.AgreementRate,
		&status,
		&alternatives,
		&updatedNs,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = tagging.Status(status)
	rec.LastUpdated = fromNs(updatedNs)
	rec.Alternatives = []tagging.Alternative{}
	if alternatives != "" {
		if err := json.Unmarshal([]byte(alternatives), &rec.Alternatives); err != nil {
			return nil, fmt.Errorf("decode alternatives for %s: %w", rec.Key(), err)
		}
	}
	return &rec, nil
}
