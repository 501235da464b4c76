package consensus

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tagconsensus/internal/tagging"
)

// memStore is an in-memory Store keeping tags in submission order.
type memStore struct {
	mu          sync.Mutex
	tags        []tagging.Tag
	reputations map[string]*tagging.Reputation
	records     map[tagging.TagKey]tagging.ConsensusRecord
	upserts     int

	tagsErr   error
	repErr    error
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{
		reputations: make(map[string]*tagging.Reputation),
		records:     make(map[tagging.TagKey]tagging.ConsensusRecord),
	}
}

func (m *memStore) add(video string, frame, track int64, name, user string, confidence float64) {
	m.tags = append(m.tags, tagging.Tag{
		ID: int64(len(m.tags) + 1), VideoID: video, FrameNum: frame, TrackID: track,
		PlayerName: name, UserID: user, Confidence: confidence,
	})
}

func (m *memStore) setReputation(user string, score float64, level tagging.ExpertiseLevel) {
	m.reputations[user] = &tagging.Reputation{UserID: user, ReputationScore: score, ExpertiseLevel: level}
}

func (m *memStore) GetTags(videoID string, frameNum int64, trackID *int64) ([]tagging.Tag, error) {
	if m.tagsErr != nil {
		return nil, m.tagsErr
	}
	out := []tagging.Tag{}
	for _, tag := range m.tags {
		if tag.VideoID == videoID && tag.FrameNum == frameNum && (trackID == nil || tag.TrackID == *trackID) {
			out = append(out, tag)
		}
	}
	return out, nil
}

func (m *memStore) GetUserReputation(userID string) (*tagging.Reputation, error) {
	if m.repErr != nil {
		return nil, m.repErr
	}
	return m.reputations[userID], nil
}

func (m *memStore) UpsertConsensus(rec *tagging.ConsensusRecord) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key()] = *rec
	m.upserts++
	return nil
}

var key = tagging.TagKey{VideoID: "v1", FrameNum: 100, TrackID: 3}

func add(m *memStore, name, user string, confidence float64) {
	m.add(key.VideoID, key.FrameNum, key.TrackID, name, user, confidence)
}

func TestCalculateConsensus_NoTags(t *testing.T) {
	store := newMemStore()
	rec, err := New(store, DefaultConfig()).CalculateConsensus(key)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, store.upserts, "nothing should be written for an untagged key")
}

func TestCalculateConsensus_SparsePending(t *testing.T) {
	store := newMemStore()
	add(store, "Alex", "u1", 0.9)

	rec, err := New(store, DefaultConfig()).CalculateConsensus(key)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "Alex", rec.PlayerName)
	assert.Equal(t, tagging.StatusPending, rec.Status)
	assert.Equal(t, 0.4, rec.ConfidenceScore)
	assert.Equal(t, 1, rec.VoteCount)
	assert.Equal(t, 1.0, rec.AgreementRate)
	assert.NotNil(t, rec.Alternatives)
	assert.Empty(t, rec.Alternatives)

	stored, ok := store.records[key]
	require.True(t, ok, "sparse results are persisted")
	assert.Equal(t, *rec, stored)
}

func TestCalculateConsensus_SparseUsesRawCounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinVotes = 5
	store := newMemStore()
	add(store, "Sam", "u1", 1)
	add(store, "Alex", "u2", 1)
	add(store, "Alex", "u3", 1)
	store.setReputation("u1", 1.0, tagging.ExpertiseExpert)

	rec, err := New(store, cfg).CalculateConsensus(key)
	require.NoError(t, err)
	assert.Equal(t, "Alex", rec.PlayerName, "sparse path ignores weighting")
	assert.Equal(t, 3, rec.VoteCount)
	assert.Equal(t, tagging.StatusPending, rec.Status)
}

func TestCalculateConsensus_SparseTieGoesToFirstSeen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinVotes = 3
	store := newMemStore()
	add(store, "Sam", "u1", 1)
	add(store, "Alex", "u2", 1)

	rec, err := New(store, cfg).CalculateConsensus(key)
	require.NoError(t, err)
	assert.Equal(t, "Sam", rec.PlayerName)
}

func TestCalculateConsensus_Confirmed(t *testing.T) {
	store := newMemStore()
	add(store, "Alex", "u1", 0.8)
	add(store, "Alex", "u2", 0.8)
	add(store, "Sam", "u3", 0.5)

	rec, err := New(store, DefaultConfig()).CalculateConsensus(key)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "Alex", rec.PlayerName)
	assert.Equal(t, tagging.StatusConfirmed, rec.Status)
	assert.Equal(t, 2, rec.VoteCount)
	assert.InDelta(t, 2.0/3.0, rec.AgreementRate, 1e-9)
	// mean(0.8*0.75, 0.8*0.75) = 0.6
	assert.InDelta(t, 0.7*(2.0/3.0)+0.3*0.6, rec.ConfidenceScore, 1e-9)
	require.Len(t, rec.Alternatives, 1)
	assert.Equal(t, "Sam", rec.Alternatives[0].Name)
	assert.Equal(t, 0, rec.Alternatives[0].Votes, "votes truncate the 0.75 weight")
	assert.InDelta(t, 1.0/3.0, rec.Alternatives[0].Rate, 1e-9)
}

func TestCalculateConsensus_Disputed(t *testing.T) {
	store := newMemStore()
	add(store, "Alex", "u1", 1)
	add(store, "Sam", "u2", 1)

	rec, err := New(store, DefaultConfig()).CalculateConsensus(key)
	require.NoError(t, err)

	assert.Equal(t, tagging.StatusDisputed, rec.Status)
	assert.Equal(t, 0.5, rec.AgreementRate)
	assert.Equal(t, "Alex", rec.PlayerName, "equal weights go to the earliest submission")
	assert.Equal(t, 1, rec.VoteCount)
	require.Len(t, rec.Alternatives, 1)
	assert.Equal(t, "Sam", rec.Alternatives[0].Name)
}

func TestCalculateConsensus_ExpertWeighting(t *testing.T) {
	t.Run("outnumbered expert at 0.9 still loses", func(t *testing.T) {
		store := newMemStore()
		add(store, "Alex", "b1", 1)
		add(store, "Alex", "b2", 1)
		add(store, "Sam", "expert", 1)
		store.setReputation("expert", 0.9, tagging.ExpertiseExpert)

		rec, err := New(store, DefaultConfig()).CalculateConsensus(key)
		require.NoError(t, err)
		// 0.95*1.5 = 1.425 against 0.75+0.75 = 1.5
		assert.Equal(t, "Alex", rec.PlayerName)
		assert.InDelta(t, 1.5/2.925, rec.AgreementRate, 1e-9)
		assert.Equal(t, tagging.StatusDisputed, rec.Status)
	})

	t.Run("weight not count decides the winner", func(t *testing.T) {
		store := newMemStore()
		add(store, "Alex", "b1", 1)
		add(store, "Alex", "b2", 1)
		add(store, "Sam", "expert", 1)
		store.setReputation("b1", 0, tagging.ExpertiseBeginner)
		store.setReputation("b2", 0, tagging.ExpertiseBeginner)
		store.setReputation("expert", 1, tagging.ExpertiseExpert)

		rec, err := New(store, DefaultConfig()).CalculateConsensus(key)
		require.NoError(t, err)
		// 1.5 against 0.5+0.5 = 1.0
		assert.Equal(t, "Sam", rec.PlayerName)
		assert.Equal(t, 1, rec.VoteCount)
		assert.InDelta(t, 0.6, rec.AgreementRate, 1e-9)
		require.Len(t, rec.Alternatives, 1)
		assert.Equal(t, "Alex", rec.Alternatives[0].Name)
		assert.Equal(t, 1, rec.Alternatives[0].Votes)
	})
}

func TestCalculateConsensus_AlternativesCappedAndOrdered(t *testing.T) {
	store := newMemStore()
	add(store, "Alex", "u1", 1)
	add(store, "Blake", "u2", 1)
	add(store, "Casey", "u3", 1)
	add(store, "Alex", "u4", 1)
	add(store, "Drew", "u5", 1)
	add(store, "Emery", "u6", 1)
	add(store, "Emery", "u7", 1)
	store.setReputation("u7", 0, tagging.ExpertiseBeginner)

	rec, err := New(store, DefaultConfig()).CalculateConsensus(key)
	require.NoError(t, err)

	assert.Equal(t, "Alex", rec.PlayerName)
	var names []string
	for _, alt := range rec.Alternatives {
		names = append(names, alt.Name)
	}
	// Emery carries 1.25; the 0.75 ties keep submission order.
	assert.Equal(t, []string{"Emery", "Blake", "Casey"}, names)
}

func TestCalculateConsensus_Idempotent(t *testing.T) {
	store := newMemStore()
	add(store, "Alex", "u1", 0.7)
	add(store, "Sam", "u2", 0.9)
	add(store, "Alex", "u3", 0.4)
	add(store, "Blake", "u4", 1.0)
	store.setReputation("u2", 0.8, tagging.ExpertiseIntermediate)

	engine := New(store, DefaultConfig())
	first, err := engine.CalculateConsensus(key)
	require.NoError(t, err)
	second, err := engine.CalculateConsensus(key)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(tagging.ConsensusRecord{}, "LastUpdated")); diff != "" {
		t.Errorf("recompute changed the record (-first +second):\n%s", diff)
	}
}

func TestCalculateConsensus_InvariantsHold(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"Alex", "Sam", "Blake", "Casey"}
	levels := []tagging.ExpertiseLevel{tagging.ExpertiseBeginner, tagging.ExpertiseIntermediate, tagging.ExpertiseExpert}
	cfg := DefaultConfig()

	for trial := 0; trial < 200; trial++ {
		store := newMemStore()
		n := 1 + rng.Intn(8)
		for i := 0; i < n; i++ {
			user := fmt.Sprintf("u%d", i)
			add(store, names[rng.Intn(len(names))], user, rng.Float64())
			if rng.Intn(3) > 0 {
				store.setReputation(user, rng.Float64(), levels[rng.Intn(len(levels))])
			}
		}

		rec, err := New(store, cfg).CalculateConsensus(key)
		require.NoError(t, err)
		require.NotNil(t, rec)

		assert.GreaterOrEqual(t, rec.ConfidenceScore, 0.0)
		assert.LessOrEqual(t, rec.ConfidenceScore, 1.0)
		assert.GreaterOrEqual(t, rec.AgreementRate, 0.0)
		assert.LessOrEqual(t, rec.AgreementRate, 1.0)
		assert.Equal(t, n < cfg.MinVotes, rec.Status == tagging.StatusPending, "trial %d", trial)
		if rec.Status != tagging.StatusPending {
			assert.Equal(t, rec.AgreementRate >= cfg.AgreementThreshold, rec.Status == tagging.StatusConfirmed, "trial %d", trial)
		}
		assert.LessOrEqual(t, len(rec.Alternatives), cfg.MaxAlternatives)
	}
}

func TestWeight_Bounds(t *testing.T) {
	engine := New(newMemStore(), DefaultConfig())

	assert.Equal(t, 0.75, engine.Weight(nil))
	assert.Equal(t, 0.5, engine.Weight(&tagging.Reputation{ReputationScore: 0, ExpertiseLevel: tagging.ExpertiseBeginner}))
	assert.Equal(t, 1.5, engine.Weight(&tagging.Reputation{ReputationScore: 1, ExpertiseLevel: tagging.ExpertiseExpert}))
	assert.InDelta(t, 1.2, engine.Weight(&tagging.Reputation{ReputationScore: 1, ExpertiseLevel: tagging.ExpertiseIntermediate}), 1e-12)

	for _, level := range []tagging.ExpertiseLevel{tagging.ExpertiseBeginner, tagging.ExpertiseIntermediate, tagging.ExpertiseExpert, "unknown"} {
		for score := 0.0; score <= 1.0; score += 0.05 {
			w := engine.Weight(&tagging.Reputation{ReputationScore: score, ExpertiseLevel: level})
			assert.GreaterOrEqual(t, w, 0.5, "level=%s score=%g", level, score)
			assert.LessOrEqual(t, w, 1.5, "level=%s score=%g", level, score)
		}
	}
}

func TestCalculateConsensus_PropagatesStoreErrors(t *testing.T) {
	boom := &tagging.StorageError{Op: "test", Err: errors.New("disk gone")}

	tests := []struct {
		name  string
		setup func(*memStore)
	}{
		{"tags", func(m *memStore) { m.tagsErr = boom }},
		{"reputation", func(m *memStore) { m.repErr = boom }},
		{"upsert", func(m *memStore) { m.upsertErr = boom }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			add(store, "Alex", "u1", 1)
			add(store, "Sam", "u2", 1)
			tt.setup(store)

			_, err := New(store, DefaultConfig()).CalculateConsensus(key)
			require.Error(t, err)
			assert.True(t, tagging.IsStorageError(err))
		})
	}
}

func TestUpdateAllConsensus(t *testing.T) {
	store := newMemStore()
	store.add("v1", 5, 9, "Casey", "u1", 1)
	store.add("v1", 5, 2, "Alex", "u1", 1)
	store.add("v1", 5, 2, "Alex", "u2", 1)
	store.add("v1", 5, 4, "Sam", "u1", 1)
	store.add("v1", 5, 4, "Blake", "u2", 1)
	store.add("v1", 6, 1, "Other frame", "u1", 1)

	records, err := New(store, DefaultConfig()).UpdateAllConsensus("v1", 5)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, []int64{2, 4, 9}, []int64{records[0].TrackID, records[1].TrackID, records[2].TrackID})
	assert.Equal(t, tagging.StatusConfirmed, records[0].Status)
	assert.Equal(t, tagging.StatusDisputed, records[1].Status)
	assert.Equal(t, tagging.StatusPending, records[2].Status)
	assert.Len(t, store.records, 3)

	empty, err := New(store, DefaultConfig()).UpdateAllConsensus("v1", 99)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"min votes", func(c *Config) { c.MinVotes = 0 }, "min_votes"},
		{"threshold", func(c *Config) { c.AgreementThreshold = 1.2 }, "agreement_threshold"},
		{"intermediate", func(c *Config) { c.IntermediateWeight = 0.9 }, "intermediate_weight"},
		{"expert above bound", func(c *Config) { c.ExpertWeight = 2 }, "expert_weight"},
		{"expert below intermediate", func(c *Config) { c.ExpertWeight = 1.1 }, "expert_weight"},
		{"sparse confidence", func(c *Config) { c.SparseConfidence = -0.1 }, "sparse_confidence"},
		{"blend", func(c *Config) { c.AgreementBlend = 1.5 }, "agreement_blend"},
		{"alternatives", func(c *Config) { c.MaxAlternatives = -1 }, "max_alternatives"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
