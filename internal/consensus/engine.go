// Package consensus resolves the tags submitted for one tracked object into a
// single weighted ConsensusRecord.
//
// The engine holds no state between calls. Every calculation re-reads the
// tags and reputations from the store and persists its result, so concurrent
// recomputes of one key are safe and resolve last-writer-wins.
package consensus

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tagconsensus/internal/monitoring"
	"github.com/banshee-data/tagconsensus/internal/tagging"
)

var logf = monitoring.Component("consensus")

// Store is the subset of the tag store the engine reads and writes.
type Store interface {
	GetTags(videoID string, frameNum int64, trackID *int64) ([]tagging.Tag, error)
	GetUserReputation(userID string) (*tagging.Reputation, error)
	UpsertConsensus(rec *tagging.ConsensusRecord) error
}

// Config holds the tunable constants of the weighting scheme.
type Config struct {
	// MinVotes is the number of tags below which a key stays pending.
	MinVotes int `json:"min_votes" yaml:"min_votes"`
	// AgreementThreshold is the weighted share the winner needs to be confirmed.
	AgreementThreshold float64 `json:"agreement_threshold" yaml:"agreement_threshold"`
	ExpertWeight       float64 `json:"expert_weight" yaml:"expert_weight"`
	IntermediateWeight float64 `json:"intermediate_weight" yaml:"intermediate_weight"`
	// SparseConfidence is reported for keys on the pending path.
	SparseConfidence float64 `json:"sparse_confidence" yaml:"sparse_confidence"`
	// AgreementBlend is the share of confidence_score taken from agreement;
	// the rest comes from the winner's mean weighted confidence.
	AgreementBlend  float64 `json:"agreement_blend" yaml:"agreement_blend"`
	MaxAlternatives int     `json:"max_alternatives" yaml:"max_alternatives"`
}

// DefaultConfig returns the stock weighting constants.
func DefaultConfig() Config {
	return Config{
		MinVotes:           2,
		AgreementThreshold: 0.6,
		ExpertWeight:       1.5,
		IntermediateWeight: 1.2,
		SparseConfidence:   0.4,
		AgreementBlend:     0.7,
		MaxAlternatives:    3,
	}
}

// Validate checks that every constant is in range.
func (c Config) Validate() error {
	var errs []error
	if c.MinVotes < 1 {
		errs = append(errs, fmt.Errorf("min_votes must be >= 1, got %d", c.MinVotes))
	}
	if c.AgreementThreshold <= 0 || c.AgreementThreshold > 1 {
		errs = append(errs, fmt.Errorf("agreement_threshold must be in (0,1], got %g", c.AgreementThreshold))
	}
	if c.IntermediateWeight < 1 || c.IntermediateWeight > 1.5 {
		errs = append(errs, fmt.Errorf("intermediate_weight must be in [1,1.5], got %g", c.IntermediateWeight))
	}
	if c.ExpertWeight < c.IntermediateWeight || c.ExpertWeight > 1.5 {
		errs = append(errs, fmt.Errorf("expert_weight must be in [intermediate_weight,1.5], got %g", c.ExpertWeight))
	}
	if c.SparseConfidence < 0 || c.SparseConfidence > 1 {
		errs = append(errs, fmt.Errorf("sparse_confidence must be in [0,1], got %g", c.SparseConfidence))
	}
	if c.AgreementBlend < 0 || c.AgreementBlend > 1 {
		errs = append(errs, fmt.Errorf("agreement_blend must be in [0,1], got %g", c.AgreementBlend))
	}
	if c.MaxAlternatives < 0 {
		errs = append(errs, fmt.Errorf("max_alternatives must be >= 0, got %d", c.MaxAlternatives))
	}
	return errors.Join(errs...)
}

// Engine calculates and persists consensus records.
type Engine struct {
	store Store
	cfg   Config
}

// New creates an Engine. The config must already be valid.
func New(store Store, cfg Config) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// Config returns the constants the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// Weight is the voting weight of a contributor: 0.5 + 0.5*score scaled by the
// tier multiplier. A nil reputation counts as a beginner at the default
// score. The result always lies in [0.5, 1.5].
func (e *Engine) Weight(rep *tagging.Reputation) float64 {
	score := tagging.DefaultReputationScore
	level := tagging.ExpertiseBeginner
	if rep != nil {
		score = clamp01(rep.ReputationScore)
		level = rep.ExpertiseLevel
	}

	multiplier := 1.0
	switch level {
	case tagging.ExpertiseIntermediate:
		multiplier = e.cfg.IntermediateWeight
	case tagging.ExpertiseExpert:
		multiplier = e.cfg.ExpertWeight
	}
	return (0.5 + 0.5*score) * multiplier
}

// candidate accumulates the votes for one player name. Candidates are kept in
// first-seen order, which is the store's submission order for the key.
type candidate struct {
	name        string
	firstSeen   int
	count       int
	weight      float64
	confidences []float64
}

// CalculateConsensus resolves the tags for key, persists the record and
// returns it. It returns nil without writing when the key has no tags.
func (e *Engine) CalculateConsensus(key tagging.TagKey) (*tagging.ConsensusRecord, error) {
	trackID := key.TrackID
	tags, err := e.store.GetTags(key.VideoID, key.FrameNum, &trackID)
	if err != nil {
		return nil, fmt.Errorf("load tags for %s: %w", key, err)
	}
	return e.resolve(key, tags)
}

func (e *Engine) resolve(key tagging.TagKey, tags []tagging.Tag) (*tagging.ConsensusRecord, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	var rec *tagging.ConsensusRecord
	if len(tags) < e.cfg.MinVotes {
		rec = e.sparse(key, tags)
	} else {
		var err error
		rec, err = e.weighted(key, tags)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			logf("%s: total weight is zero, nothing written", key)
			return nil, nil
		}
	}

	if err := e.store.UpsertConsensus(rec); err != nil {
		return nil, fmt.Errorf("persist consensus for %s: %w", key, err)
	}
	return rec, nil
}

// sparse picks the most frequent raw name without weighting.
func (e *Engine) sparse(key tagging.TagKey, tags []tagging.Tag) *tagging.ConsensusRecord {
	cands := e.tally(tags, nil)
	best := cands[0]
	for _, c := range cands[1:] {
		if c.count > best.count {
			best = c
		}
	}
	return &tagging.ConsensusRecord{
		VideoID:         key.VideoID,
		FrameNum:        key.FrameNum,
		TrackID:         key.TrackID,
		PlayerName:      best.name,
		ConfidenceScore: e.cfg.SparseConfidence,
		VoteCount:       len(tags),
		AgreementRate:   1.0,
		Status:          tagging.StatusPending,
		Alternatives:    []tagging.Alternative{},
	}
}

func (e *Engine) weighted(key tagging.TagKey, tags []tagging.Tag) (*tagging.ConsensusRecord, error) {
	weights := make(map[string]float64)
	for _, tag := range tags {
		if _, ok := weights[tag.UserID]; ok {
			continue
		}
		rep, err := e.store.GetUserReputation(tag.UserID)
		if err != nil {
			return nil, fmt.Errorf("load reputation for %s: %w", tag.UserID, err)
		}
		weights[tag.UserID] = e.Weight(rep)
	}

	cands := e.tally(tags, weights)
	totals := make([]float64, len(cands))
	for i, c := range cands {
		totals[i] = c.weight
	}
	total := floats.Sum(totals)
	if total <= 0 {
		return nil, nil
	}

	// Highest weight first; ties go to the name seen first.
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].weight != cands[j].weight {
			return cands[i].weight > cands[j].weight
		}
		return cands[i].firstSeen < cands[j].firstSeen
	})
	winner := cands[0]

	agreement := clamp01(winner.weight / total)
	avgConfidence := 0.5
	if len(winner.confidences) > 0 {
		avgConfidence = stat.Mean(winner.confidences, nil)
	}
	confidence := clamp01(e.cfg.AgreementBlend*agreement + (1-e.cfg.AgreementBlend)*avgConfidence)

	status := tagging.StatusDisputed
	if agreement >= e.cfg.AgreementThreshold {
		status = tagging.StatusConfirmed
	}

	alternatives := []tagging.Alternative{}
	for _, c := range cands[1:] {
		if len(alternatives) == e.cfg.MaxAlternatives {
			break
		}
		alternatives = append(alternatives, tagging.Alternative{
			Name:  c.name,
			Votes: int(c.weight),
			Rate:  c.weight / total,
		})
	}

	return &tagging.ConsensusRecord{
		VideoID:         key.VideoID,
		FrameNum:        key.FrameNum,
		TrackID:         key.TrackID,
		PlayerName:      winner.name,
		ConfidenceScore: confidence,
		VoteCount:       winner.count,
		AgreementRate:   agreement,
		Status:          status,
		Alternatives:    alternatives,
	}, nil
}

// tally groups tags by player name in first-seen order. With a nil weights
// map only raw counts are collected.
func (e *Engine) tally(tags []tagging.Tag, weights map[string]float64) []*candidate {
	var cands []*candidate
	byName := make(map[string]*candidate)
	for _, tag := range tags {
		c, ok := byName[tag.PlayerName]
		if !ok {
			c = &candidate{name: tag.PlayerName, firstSeen: len(cands)}
			byName[tag.PlayerName] = c
			cands = append(cands, c)
		}
		c.count++
		if weights != nil {
			w := weights[tag.UserID]
			c.weight += w
			c.confidences = append(c.confidences, tag.Confidence*w)
		}
	}
	return cands
}

// UpdateAllConsensus recalculates every tracked object that has tags in the
// frame, in track order, and returns the records written.
func (e *Engine) UpdateAllConsensus(videoID string, frameNum int64) ([]tagging.ConsensusRecord, error) {
	tags, err := e.store.GetTags(videoID, frameNum, nil)
	if err != nil {
		return nil, fmt.Errorf("load tags for %s/%d: %w", videoID, frameNum, err)
	}

	seen := make(map[int64]bool)
	var trackIDs []int64
	for _, tag := range tags {
		if !seen[tag.TrackID] {
			seen[tag.TrackID] = true
			trackIDs = append(trackIDs, tag.TrackID)
		}
	}
	sort.Slice(trackIDs, func(i, j int) bool { return trackIDs[i] < trackIDs[j] })

	records := []tagging.ConsensusRecord{}
	for _, trackID := range trackIDs {
		rec, err := e.CalculateConsensus(tagging.TagKey{VideoID: videoID, FrameNum: frameNum, TrackID: trackID})
		if err != nil {
			return records, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	logf("%s/%d: recomputed %d track(s)", videoID, frameNum, len(records))
	return records, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
