// Package reputation derives each contributor's trust profile from how often
// their tags agree with the consensus records that currently exist.
//
// Profiles are always recomputed from scratch. A tag submitted before its
// key's consensus was calculated does not count as agreed until the
// contributor's profile is recomputed again after that calculation.
package reputation

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/tagconsensus/internal/tagging"
	"github.com/banshee-data/tagconsensus/internal/timeutil"
)

// Tier thresholds on total tag count.
const (
	IntermediateMinTags = 10
	ExpertMinTags       = 50
)

// Querier is the subset of *sql.DB and *sql.Tx the tracker needs, so a
// recompute can run inside the caller's transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Tracker recomputes reputation rows.
type Tracker struct {
	clock timeutil.Clock
}

// NewTracker creates a Tracker. A nil clock uses wall time.
func NewTracker(clock timeutil.Clock) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{clock: clock}
}

// Classify maps a total tag count to an expertise tier.
func Classify(totalTags int) tagging.ExpertiseLevel {
	switch {
	case totalTags < IntermediateMinTags:
		return tagging.ExpertiseBeginner
	case totalTags < ExpertMinTags:
		return tagging.ExpertiseIntermediate
	default:
		return tagging.ExpertiseExpert
	}
}

// Score is agreed/total, or the default score when the user has no tags.
func Score(totalTags, agreedTags int) float64 {
	if totalTags <= 0 {
		return tagging.DefaultReputationScore
	}
	return float64(agreedTags) / float64(totalTags)
}

// Agreement is matched on the exact stored player_name, with no case or
// whitespace normalisation.
const countAgreedSQL = `
	SELECT COUNT(*) FROM tags t
	JOIN consensus c ON
		t.video_id = c.video_id AND
		t.frame_num = c.frame_num AND
		t.track_id = c.track_id AND
		t.player_name = c.player_name
	WHERE t.user_id = ?`

// Recompute rescans every tag by userID against the current consensus
// records and writes the resulting profile.
func (tr *Tracker) Recompute(q Querier, userID string) (*tagging.Reputation, error) {
	var total int
	if err := q.QueryRow(`SELECT COUNT(*) FROM tags WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, &tagging.StorageError{Op: "count user tags", Err: err}
	}

	var agreed int
	if err := q.QueryRow(countAgreedSQL, userID).Scan(&agreed); err != nil {
		return nil, &tagging.StorageError{Op: "count agreed tags", Err: err}
	}

	rep := &tagging.Reputation{
		UserID:          userID,
		TotalTags:       total,
		AgreedTags:      agreed,
		ReputationScore: Score(total, agreed),
		ExpertiseLevel:  Classify(total),
		LastActive:      tr.clock.Now(),
	}

	_, err := q.Exec(`
		INSERT INTO reputation (user_id, total_tags, agreed_tags, reputation_score, expertise_level, last_active_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			total_tags = excluded.total_tags,
			agreed_tags = excluded.agreed_tags,
			reputation_score = excluded.reputation_score,
			expertise_level = excluded.expertise_level,
			last_active_ns = excluded.last_active_ns`,
		rep.UserID, rep.TotalTags, rep.AgreedTags, rep.ReputationScore, string(rep.ExpertiseLevel), rep.LastActive.UnixNano(),
	)
	if err != nil {
		return nil, &tagging.StorageError{Op: "upsert reputation", Err: err}
	}
	return rep, nil
}

// RecomputeAll recomputes every contributor that has at least one tag and
// returns how many profiles were written.
func (tr *Tracker) RecomputeAll(db *sql.DB) (int, error) {
	rows, err := db.Query(`SELECT DISTINCT user_id FROM tags ORDER BY user_id`)
	if err != nil {
		return 0, &tagging.StorageError{Op: "list contributors", Err: err}
	}
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return 0, &tagging.StorageError{Op: "scan contributor", Err: err}
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, &tagging.StorageError{Op: "list contributors", Err: err}
	}
	rows.Close()

	for _, u := range users {
		if _, err := tr.Recompute(db, u); err != nil {
			return 0, fmt.Errorf("recompute %s: %w", u, err)
		}
	}
	return len(users), nil
}
