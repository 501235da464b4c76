// Package tagging defines the domain types shared by the tag store, the
// reputation tracker and the consensus engine.
//
// A Tag is one contributor's claim about the identity of one tracked object
// in one video frame. Tags for the same TagKey are reconciled into a single
// ConsensusRecord, and each contributor's Reputation is derived from how
// often their tags agree with the resolved records.
package tagging

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a ConsensusRecord.
type Status string

const (
	// StatusPending means fewer than the minimum number of tags exist.
	StatusPending Status = "pending"
	// StatusConfirmed means the winning label reached the agreement threshold.
	StatusConfirmed Status = "confirmed"
	// StatusDisputed means enough tags exist but agreement is below threshold.
	StatusDisputed Status = "disputed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusDisputed:
		return true
	}
	return false
}

// ExpertiseLevel is the contributor tier derived from total tag count.
type ExpertiseLevel string

const (
	ExpertiseBeginner     ExpertiseLevel = "beginner"
	ExpertiseIntermediate ExpertiseLevel = "intermediate"
	ExpertiseExpert       ExpertiseLevel = "expert"
)

// DefaultReputationScore is the trust score used for contributors with no
// history and for reputations computed over zero tags.
const DefaultReputationScore = 0.5

// DefaultConfidence is the self-reported certainty assumed when a
// submission does not carry one.
const DefaultConfidence = 1.0

// TagKey identifies one tracked object in one frame of one video.
type TagKey struct {
	VideoID  string `json:"video_id"`
	FrameNum int64  `json:"frame_num"`
	TrackID  int64  `json:"track_id"`
}

func (k TagKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.VideoID, k.FrameNum, k.TrackID)
}

// TagMetadata is pass-through display data captured alongside a tag. None of
// it takes part in consensus.
type TagMetadata struct {
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
	Team       string   `json:"team,omitempty"`
	IPAddress  string   `json:"ip_address,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	DeviceInfo string   `json:"device_info,omitempty"`
}

// Tag is a single contributor submission. At most one Tag exists per
// (VideoID, FrameNum, TrackID, UserID); resubmitting replaces it.
type Tag struct {
	ID         int64       `json:"tag_id"`
	VideoID    string      `json:"video_id"`
	FrameNum   int64       `json:"frame_num"`
	TrackID    int64       `json:"track_id"`
	PlayerName string      `json:"player_name"`
	UserID     string      `json:"user_id"`
	Confidence float64     `json:"confidence"`
	Timestamp  time.Time   `json:"timestamp"`
	Metadata   TagMetadata `json:"metadata"`
}

// Key returns the tracked-object key the tag belongs to.
func (t *Tag) Key() TagKey {
	return TagKey{VideoID: t.VideoID, FrameNum: t.FrameNum, TrackID: t.TrackID}
}

// Alternative is a losing label reported next to the winner.
type Alternative struct {
	Name  string  `json:"name"`
	Votes int     `json:"votes"`
	Rate  float64 `json:"rate"`
}

// ConsensusRecord is the resolved answer for one TagKey.
//
// VoteCount counts raw tags naming the winner, while AgreementRate is the
// winner's share of the weighted vote.
type ConsensusRecord struct {
	VideoID         string        `json:"video_id"`
	FrameNum        int64         `json:"frame_num"`
	TrackID         int64         `json:"track_id"`
	PlayerName      string        `json:"player_name"`
	ConfidenceScore float64       `json:"confidence_score"`
	VoteCount       int           `json:"vote_count"`
	AgreementRate   float64       `json:"agreement_rate"`
	Status          Status        `json:"status"`
	Alternatives    []Alternative `json:"alternatives"`
	LastUpdated     time.Time     `json:"last_updated"`
}

// Key returns the tracked-object key of the record.
func (c *ConsensusRecord) Key() TagKey {
	return TagKey{VideoID: c.VideoID, FrameNum: c.FrameNum, TrackID: c.TrackID}
}

// Reputation is a contributor's trust profile.
type Reputation struct {
	UserID          string         `json:"user_id"`
	TotalTags       int            `json:"total_tags"`
	AgreedTags      int            `json:"agreed_tags"`
	ReputationScore float64        `json:"reputation_score"`
	ExpertiseLevel  ExpertiseLevel `json:"expertise_level"`
	LastActive      time.Time      `json:"last_active"`
}

// ConflictPending is the resolution of a conflict nobody has reviewed yet.
const ConflictPending = "pending"

// Conflict is an audit record of a disputed key kept for manual review.
type Conflict struct {
	ConflictID      string     `json:"conflict_id"`
	VideoID         string     `json:"video_id"`
	FrameNum        int64      `json:"frame_num"`
	TrackID         int64      `json:"track_id"`
	ConflictingTags []Tag      `json:"conflicting_tags"`
	Resolution      string     `json:"resolution"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TaggingStats summarises tagging activity, globally or for one video.
type TaggingStats struct {
	TotalTags      int64 `json:"total_tags"`
	ConsensusCount int64 `json:"consensus_count"`
	UniqueUsers    int64 `json:"unique_users"`
}
