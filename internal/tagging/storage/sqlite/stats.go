package sqlite

import (
	"github.com/banshee-data/tagconsensus/internal/tagging"
)

// GetTaggingStats counts tags, consensus records and distinct contributors,
// for one video or globally when videoID is empty. Failures are returned
// rather than reported as zero counts.
func (s *TagStore) GetTaggingStats(videoID string) (tagging.TaggingStats, error) {
	var stats tagging.TaggingStats

	tagQuery := `SELECT COUNT(*), COUNT(DISTINCT user_id) FROM tags`
	consensusQuery := `SELECT COUNT(*) FROM consensus`
	var args []interface{}
	if videoID != "" {
		tagQuery += " WHERE video_id = ?"
		consensusQuery += " WHERE video_id = ?"
		args = append(args, videoID)
	}

	if err := s.db.QueryRow(tagQuery, args...).Scan(&stats.TotalTags, &stats.UniqueUsers); err != nil {
		return tagging.TaggingStats{}, &tagging.StorageError{Op: "count tags", Err: err}
	}
	if err := s.db.QueryRow(consensusQuery, args...).Scan(&stats.ConsensusCount); err != nil {
		return tagging.TaggingStats{}, &tagging.StorageError{Op: "count consensus", Err: err}
	}
	return stats, nil
}
