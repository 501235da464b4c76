package sqlite

import (
	"database/sql"

	"github.com/banshee-data/tagconsensus/internal/tagging"
)

const reputationColumns = `user_id, total_tags, agreed_tags, reputation_score, expertise_level, last_active_ns`

// GetUserReputation returns the stored profile, or nil for a contributor that
// has never submitted a tag.
func (s *TagStore) GetUserReputation(userID string) (*tagging.Reputation, error) {
	row := s.db.QueryRow(`SELECT `+reputationColumns+` FROM reputation WHERE user_id = ?`, userID)
	rep, err := scanReputation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &tagging.StorageError{Op: "get reputation", Err: err}
	}
	return rep, nil
}

// ListReputations returns every profile, highest score first.
func (s *TagStore) ListReputations() ([]tagging.Reputation, error) {
	rows, err := s.db.Query(`SELECT ` + reputationColumns + ` FROM reputation
		ORDER BY reputation_score DESC, user_id`)
	if err != nil {
		return nil, &tagging.StorageError{Op: "list reputations", Err: err}
	}
	defer rows.Close()

	reps := []tagging.Reputation{}
	for rows.Next() {
		rep, err := scanReputation(rows)
		if err != nil {
			return nil, &tagging.StorageError{Op: "list reputations", Err: err}
		}
		reps = append(reps, *rep)
	}
	if err := rows.Err(); err != nil {
		return nil, &tagging.StorageError{Op: "list reputations", Err: err}
	}
	return reps, nil
}

// RefreshReputations recomputes every contributor against the current
// consensus records, returning the number of profiles written.
func (s *TagStore) RefreshReputations() (int, error) {
	return s.tracker.RecomputeAll(s.db)
}

func scanReputation(row scanner) (*tagging.Reputation, error) {
	var (
		rep      tagging.Reputation
		level    string
		activeNs int64
	)
	if err := row.Scan(&rep.UserID, &rep.TotalTags, &rep.AgreedTags, &rep.ReputationScore, &level, &activeNs); err != nil {
		return nil, err
	}
	rep.ExpertiseLevel = tagging.ExpertiseLevel(level)
	rep.LastActive = fromNs(activeNs)
	return &rep, nil
}
