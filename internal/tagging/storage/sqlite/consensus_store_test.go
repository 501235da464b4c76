package sqlite

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tagconsensus/internal/tagging"
	"github.com/banshee-data/tagconsensus/internal/testutil"
)

func newRecord(video string, frame, track int64, name string, status tagging.Status) *tagging.ConsensusRecord {
	return &tagging.ConsensusRecord{
		VideoID:         video,
		FrameNum:        frame,
		TrackID:         track,
		PlayerName:      name,
		ConfidenceScore: 0.8,
		VoteCount:       2,
		AgreementRate:   0.75,
		Status:          status,
		Alternatives:    []tagging.Alternative{{Name: "Sam", Votes: 1, Rate: 0.25}},
	}
}

func TestConsensus_UpsertAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	key := tagging.TagKey{VideoID: "v1", FrameNum: 100, TrackID: 3}

	missing, err := store.GetConsensus(key)
	require.NoError(t, err)
	assert.Nil(t, missing)

	rec := newRecord("v1", 100, 3, "Alex", tagging.StatusConfirmed)
	require.NoError(t, store.UpsertConsensus(rec))
	assert.True(t, rec.LastUpdated.Equal(testutil.Epoch), "zero LastUpdated should take the clock")

	got, err := store.GetConsensus(key)
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	replacement := newRecord("v1", 100, 3, "Sam", tagging.StatusDisputed)
	replacement.Alternatives = nil
	replacement.LastUpdated = testutil.Epoch.Add(time.Hour)
	require.NoError(t, store.UpsertConsensus(replacement))

	got, err = store.GetConsensus(key)
	require.NoError(t, err)
	assert.Equal(t, "Sam", got.PlayerName)
	assert.Equal(t, tagging.StatusDisputed, got.Status)
	assert.NotNil(t, got.Alternatives)
	assert.Empty(t, got.Alternatives)
	assert.True(t, got.LastUpdated.Equal(replacement.LastUpdated))

	frame, err := store.GetFrameConsensus("v1", 100)
	require.NoError(t, err)
	assert.Len(t, frame, 1, "upsert must not duplicate the key")
}

func TestConsensus_RejectsUnknownStatus(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.UpsertConsensus(newRecord("v1", 1, 1, "Alex", tagging.Status("maybe")))
	assert.Error(t, err)
}

func TestConsensus_FrameAndVideoListing(t *testing.T) {
	store, _ := newTestStore(t)

	for _, rec := range []*tagging.ConsensusRecord{
		newRecord("v1", 2, 5, "E", tagging.StatusPending),
		newRecord("v1", 1, 9, "C", tagging.StatusConfirmed),
		newRecord("v1", 1, 4, "B", tagging.StatusDisputed),
		newRecord("v1", 2, 1, "D", tagging.StatusConfirmed),
		newRecord("v2", 1, 1, "X", tagging.StatusConfirmed),
	} {
		require.NoError(t, store.UpsertConsensus(rec))
	}

	frame, err := store.GetFrameConsensus("v1", 1)
	require.NoError(t, err)
	require.Len(t, frame, 2)
	assert.Equal(t, []int64{4, 9}, []int64{frame[0].TrackID, frame[1].TrackID})

	all, err := store.ListVideoConsensus("v1", "")
	require.NoError(t, err)
	var names []string
	for _, rec := range all {
		names = append(names, rec.PlayerName)
	}
	assert.Equal(t, []string{"B", "C", "D", "E"}, names)

	confirmed, err := store.ListVideoConsensus("v1", tagging.StatusConfirmed)
	require.NoError(t, err)
	assert.Len(t, confirmed, 2)

	counts, err := store.CountConsensusByStatus("v1")
	require.NoError(t, err)
	assert.Equal(t, map[tagging.Status]int64{
		tagging.StatusPending:   1,
		tagging.StatusConfirmed: 2,
		tagging.StatusDisputed:  1,
	}, counts)

	global, err := store.CountConsensusByStatus("")
	require.NoError(t, err)
	assert.Equal(t, int64(3), global[tagging.StatusConfirmed])
}

func TestReputation_AgreementAndRefresh(t *testing.T) {
	store, _ := newTestStore(t)

	missing, err := store.GetUserReputation("nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = store.SubmitTag(newTag("v1", 1, 1, "Alex", "u1"))
	require.NoError(t, err)
	_, err = store.SubmitTag(newTag("v1", 1, 1, "Sam", "u2"))
	require.NoError(t, err)

	rep, err := store.GetUserReputation("u1")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.AgreedTags, "no consensus exists yet")
	assert.Equal(t, 0.0, rep.ReputationScore)

	require.NoError(t, store.UpsertConsensus(newRecord("v1", 1, 1, "Alex", tagging.StatusConfirmed)))

	// Reputations lag until recomputed.
	rep, err = store.GetUserReputation("u1")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.AgreedTags)

	n, err := store.RefreshReputations()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	u1, err := store.GetUserReputation("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u1.AgreedTags)
	assert.Equal(t, 1.0, u1.ReputationScore)
	assert.Equal(t, tagging.ExpertiseBeginner, u1.ExpertiseLevel)

	u2, err := store.GetUserReputation("u2")
	require.NoError(t, err)
	assert.Equal(t, 0.0, u2.ReputationScore)

	reps, err := store.ListReputations()
	require.NoError(t, err)
	require.Len(t, reps, 2)
	assert.Equal(t, "u1", reps[0].UserID, "highest score first")
}

func TestTaggingStats(t *testing.T) {
	store, _ := newTestStore(t)

	stats, err := store.GetTaggingStats("")
	require.NoError(t, err)
	assert.Equal(t, tagging.TaggingStats{}, stats)

	for _, tag := range []*tagging.Tag{
		newTag("v1", 1, 1, "Alex", "u1"),
		newTag("v1", 1, 1, "Alex", "u2"),
		newTag("v1", 2, 1, "Sam", "u1"),
		newTag("v2", 1, 1, "Blake", "u3"),
	} {
		_, err := store.SubmitTag(tag)
		require.NoError(t, err)
	}
	require.NoError(t, store.UpsertConsensus(newRecord("v1", 1, 1, "Alex", tagging.StatusConfirmed)))

	stats, err = store.GetTaggingStats("")
	require.NoError(t, err)
	assert.Equal(t, tagging.TaggingStats{TotalTags: 4, ConsensusCount: 1, UniqueUsers: 3}, stats)

	stats, err = store.GetTaggingStats("v1")
	require.NoError(t, err)
	assert.Equal(t, tagging.TaggingStats{TotalTags: 3, ConsensusCount: 1, UniqueUsers: 2}, stats)

	stats, err = store.GetTaggingStats("v2")
	require.NoError(t, err)
	assert.Equal(t, tagging.TaggingStats{TotalTags: 1, ConsensusCount: 0, UniqueUsers: 1}, stats)
}
