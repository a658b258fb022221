package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commontrace/commontrace/internal/model"
	"github.com/commontrace/commontrace/internal/storage"
	"github.com/commontrace/commontrace/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test database: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// newTestUser inserts a user with a unique agent name and key prefix.
func newTestUser(t *testing.T) model.User {
	t.Helper()
	suffix := uuid.NewString()[:8]
	u, err := testDB.CreateUser(context.Background(), model.User{
		AgentName:  "agent-" + suffix,
		KeyPrefix:  suffix,
		APIKeyHash: "$argon2id$test$" + suffix,
	})
	require.NoError(t, err)
	return u
}

// embedModel marks test vectors as produced by the current model so the
// comparability filter in the semantic query matches them.
var embedModel = "text-embedding-3-small"

// unitVector returns a 1536-dim unit vector along the given axis. Cosine
// similarity between distinct axes is exactly 0, which makes ordering
// assertions deterministic.
func unitVector(axis int) *pgvector.Vector {
	vals := make([]float32, 1536)
	vals[axis] = 1
	v := pgvector.NewVector(vals)
	return &v
}

// blendVector returns a 1536-dim vector mixing axis 0 and the given axis.
func blendVector(axis int, weight float32) *pgvector.Vector {
	vals := make([]float32, 1536)
	vals[0] = 1 - weight
	vals[axis] = weight
	v := pgvector.NewVector(vals)
	return &v
}

// newTestTrace builds trace defaults and applies mutations before insert.
func newTestTrace(t *testing.T, contributor uuid.UUID, mutate ...func(*model.Trace)) model.Trace {
	t.Helper()
	temp := model.TempWarm
	tr := model.Trace{
		Title:             "Fix flaky pool timeout in " + uuid.NewString()[:8],
		ContextText:       "Connection pool exhausted under load.",
		SolutionText:      "Raise MaxConns and add a health check interval.",
		ContributorID:     contributor,
		Status:            model.StatusPending,
		ImpactLevel:       model.ImpactNormal,
		TraceType:         model.TypeEpisodic,
		MemoryTemperature: &temp,
		Metadata:          map[string]any{"language": "go"},
	}
	for _, fn := range mutate {
		fn(&tr)
	}
	created, err := testDB.CreateTraceTx(context.Background(), tr, nil)
	require.NoError(t, err)
	return created
}

func TestCreateUserDuplicates(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)

	_, err := testDB.CreateUser(ctx, model.User{
		AgentName:  u.AgentName,
		KeyPrefix:  uuid.NewString()[:8],
		APIKeyHash: "hash",
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateUser, "duplicate agent name")

	_, err = testDB.CreateUser(ctx, model.User{
		AgentName:  "agent-" + uuid.NewString()[:8],
		KeyPrefix:  u.KeyPrefix,
		APIKeyHash: "hash",
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateUser, "duplicate key prefix")
}

func TestGetUserByKeyPrefix(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)

	got, err := testDB.GetUserByKeyPrefix(ctx, u.KeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, u.AgentName, got.AgentName)
	assert.Equal(t, u.APIKeyHash, got.APIKeyHash)

	_, err = testDB.GetUserByKeyPrefix(ctx, "nosuchpref")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnsureSystemUserIdempotent(t *testing.T) {
	ctx := context.Background()
	// Already called once during migration setup.
	require.NoError(t, testDB.EnsureSystemUser(ctx))

	u, err := testDB.GetUserByID(ctx, model.SystemUserID)
	require.NoError(t, err)
	assert.Equal(t, "system", u.AgentName)
	assert.Empty(t, u.KeyPrefix)
}

func TestCreateTraceRoundTrip(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)

	halfLife := 90
	validUntil := time.Now().UTC().Add(30 * 24 * time.Hour)
	created := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{"postgres", "connection-pool"}
		tr.HalfLifeDays = &halfLife
		tr.ValidUntil = &validUntil
		tr.DepthScore = 3
		tr.SomaticIntensity = 0.7
		tr.ContextFingerprint = model.Fingerprint{"language": "go", "framework": "pgx"}
	})
	require.NotEqual(t, uuid.Nil, created.ID)

	got, err := testDB.GetTrace(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, u.ID, got.ContributorID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 3, got.DepthScore)
	assert.InDelta(t, 0.7, got.SomaticIntensity, 1e-9)
	require.NotNil(t, got.HalfLifeDays)
	assert.Equal(t, 90, *got.HalfLifeDays)
	require.NotNil(t, got.MemoryTemperature)
	assert.Equal(t, model.TempWarm, *got.MemoryTemperature)
	assert.Equal(t, "go", got.Metadata["language"])
	// Tags come back alphabetically from the aggregate subquery.
	assert.Equal(t, []string{"connection-pool", "postgres"}, got.Tags)
	assert.Nil(t, got.Embedding, "embedding stays null until the worker fills it")
}

func TestGetTraceNotFound(t *testing.T) {
	_, err := testDB.GetTrace(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateTraceSupersedes(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	old := newTestTrace(t, u.ID)

	temp := model.TempWarm
	replacement := model.Trace{
		Title:             "Updated pool fix",
		ContextText:       "ctx",
		SolutionText:      "sol",
		ContributorID:     u.ID,
		Status:            model.StatusPending,
		ImpactLevel:       model.ImpactNormal,
		TraceType:         model.TypeEpisodic,
		MemoryTemperature: &temp,
	}
	created, err := testDB.CreateTraceTx(ctx, replacement, &old.ID)
	require.NoError(t, err)

	edges, err := testDB.ActivationEdges(ctx, []uuid.UUID{created.ID}, 10)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, model.RelSupersedes, edges[0].RelationshipType)
	assert.Equal(t, old.ID, edges[0].TargetTraceID)
	assert.InDelta(t, 1.0, edges[0].Strength, 1e-9)
}

func TestCreateTraceSupersedesUnknownTarget(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)

	missing := uuid.New()
	temp := model.TempWarm
	orphanID := uuid.New()
	_, err := testDB.CreateTraceTx(ctx, model.Trace{
		ID:                orphanID,
		Title:             "Orphan supersede",
		ContextText:       "ctx",
		SolutionText:      "sol",
		ContributorID:     u.ID,
		Status:            model.StatusPending,
		ImpactLevel:       model.ImpactNormal,
		TraceType:         model.TypeEpisodic,
		MemoryTemperature: &temp,
	}, &missing)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The whole transaction rolls back, so the trace itself is absent too.
	_, err = testDB.GetTrace(ctx, orphanID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVoteLifecycle(t *testing.T) {
	ctx := context.Background()
	contributor := newTestUser(t)
	voter := newTestUser(t)
	tr := newTestTrace(t, contributor.ID)

	v, err := testDB.InsertVote(ctx, model.Vote{
		UserID:   voter.ID,
		TraceID:  tr.ID,
		VoteType: model.VoteUp,
		Weight:   1.5,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, v.ID)

	_, err = testDB.InsertVote(ctx, model.Vote{
		UserID:   voter.ID,
		TraceID:  tr.ID,
		VoteType: model.VoteDown,
		Weight:   1,
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateVote)

	trust, confirmations, status, err := testDB.ApplyVoteDelta(ctx, tr.ID, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, trust, 1e-9)
	assert.Equal(t, 1, confirmations)
	assert.Equal(t, model.StatusPending, status)

	trust, confirmations, _, err = testDB.ApplyVoteDelta(ctx, tr.ID, -0.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, trust, 1e-9)
	assert.Equal(t, 2, confirmations)

	_, _, _, err = testDB.ApplyVoteDelta(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPromoteTrace(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tr := newTestTrace(t, u.ID)

	status, err := testDB.PromoteTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, status)

	// Idempotent under repeated promotion.
	status, err = testDB.PromoteTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, status)

	_, err = testDB.PromoteTrace(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAmendments(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tr := newTestTrace(t, u.ID)

	reason := "pgbouncer makes the original fix unnecessary"
	a, err := testDB.InsertAmendment(ctx, model.Amendment{
		TraceID:      tr.ID,
		UserID:       u.ID,
		SolutionText: "Use pgbouncer in transaction mode instead.",
		Reason:       &reason,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, "proposed", a.Status)

	list, err := testDB.AmendmentsForTrace(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.SolutionText, list[0].SolutionText)
	assert.Equal(t, "proposed", list[0].Status)

	_, err = testDB.InsertAmendment(ctx, model.Amendment{
		TraceID:      uuid.New(),
		UserID:       u.ID,
		SolutionText: "orphan",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRelationshipUpsertAccumulates(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	a := newTestTrace(t, u.ID)
	b := newTestTrace(t, u.ID)

	require.NoError(t, testDB.UpsertRelationship(ctx, a.ID, b.ID, model.RelCoRetrieved, 1))
	require.NoError(t, testDB.UpsertRelationship(ctx, a.ID, b.ID, model.RelCoRetrieved, 2))

	edges, err := testDB.ActivationEdges(ctx, []uuid.UUID{a.ID}, 10)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 3.0, edges[0].Strength, 1e-9)
}

func TestSetRelationshipKeepsExistingStrength(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	a := newTestTrace(t, u.ID)
	b := newTestTrace(t, u.ID)

	require.NoError(t, testDB.SetRelationship(ctx, a.ID, b.ID, model.RelAlternativeTo, 0.8))
	require.NoError(t, testDB.SetRelationship(ctx, a.ID, b.ID, model.RelAlternativeTo, 0.2))

	related, err := testDB.RelatedForTraces(ctx, []uuid.UUID{a.ID}, 5)
	require.NoError(t, err)
	require.Len(t, related[a.ID], 1)
	assert.Equal(t, model.RelAlternativeTo, related[a.ID][0].RelationshipType)
	assert.InDelta(t, 0.8, related[a.ID][0].Strength, 1e-9)
	assert.Equal(t, b.Title, related[a.ID][0].Title)
}

func TestRelatedForTracesCapsPerSource(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	src := newTestTrace(t, u.ID)
	for i := 0; i < 4; i++ {
		target := newTestTrace(t, u.ID)
		require.NoError(t, testDB.UpsertRelationship(ctx, src.ID, target.ID, model.RelCoRetrieved, float64(i+1)))
	}

	related, err := testDB.RelatedForTraces(ctx, []uuid.UUID{src.ID}, 2)
	require.NoError(t, err)
	require.Len(t, related[src.ID], 2)
	// Strongest first.
	assert.InDelta(t, 4.0, related[src.ID][0].Strength, 1e-9)
	assert.InDelta(t, 3.0, related[src.ID][1].Strength, 1e-9)
}

func TestActivationEdgesSkipFlaggedTargets(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	src := newTestTrace(t, u.ID)
	flagged := newTestTrace(t, u.ID, func(tr *model.Trace) {
		now := time.Now().UTC()
		tr.IsFlagged = true
		tr.FlaggedAt = &now
	})
	require.NoError(t, testDB.UpsertRelationship(ctx, src.ID, flagged.ID, model.RelCoRetrieved, 5))

	edges, err := testDB.ActivationEdges(ctx, []uuid.UUID{src.ID}, 10)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestListTagsAndUsageCounts(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)

	suffix := uuid.NewString()[:8]
	tagA := "zzz-a-" + suffix
	tagB := "zzz-b-" + suffix

	from := time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)
	inWindow := from.Add(24 * time.Hour)

	newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tagA, tagB}
		tr.CreatedAt = inWindow
	})
	newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tagA}
		tr.CreatedAt = inWindow
	})
	// Outside the window; must not count.
	newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tagA}
		tr.CreatedAt = from.Add(-24 * time.Hour)
	})

	names, err := testDB.ListTags(ctx)
	require.NoError(t, err)
	idxA, idxB := -1, -1
	for i, n := range names {
		if n == tagA {
			idxA = i
		}
		if n == tagB {
			idxB = i
		}
	}
	require.GreaterOrEqual(t, idxA, 0)
	require.GreaterOrEqual(t, idxB, 0)
	assert.Less(t, idxA, idxB, "alphabetical order")

	counts, err := testDB.TagUsageCounts(ctx, from, from.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, counts[tagA])
	assert.Equal(t, 1, counts[tagB])
}

func TestTagTrends(t *testing.T) {
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	periodEnd := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
	periodStart := periodEnd.Add(-7 * 24 * time.Hour)

	fast := model.TagTrend{
		TagName:          "trend-fast-" + suffix,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		TraceCountPeriod: 30,
		TraceCountPrior:  5,
		GrowthRate:       5.0,
		IsTrending:       true,
	}
	slow := model.TagTrend{
		TagName:          "trend-slow-" + suffix,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		TraceCountPeriod: 12,
		TraceCountPrior:  10,
		GrowthRate:       0.2,
		IsTrending:       true,
	}
	flat := model.TagTrend{
		TagName:          "trend-flat-" + suffix,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		TraceCountPeriod: 10,
		TraceCountPrior:  10,
		GrowthRate:       0,
		IsTrending:       false,
	}
	require.NoError(t, testDB.UpsertTagTrend(ctx, fast))
	require.NoError(t, testDB.UpsertTagTrend(ctx, slow))
	require.NoError(t, testDB.UpsertTagTrend(ctx, flat))

	// Re-running the same period overwrites rather than duplicates.
	fast.GrowthRate = 6.0
	fast.TraceCountPeriod = 35
	require.NoError(t, testDB.UpsertTagTrend(ctx, fast))

	trends, err := testDB.TrendingTags(ctx, 10)
	require.NoError(t, err)

	var gotFast, gotSlow, gotFlat bool
	fastIdx, slowIdx := -1, -1
	for i, tr := range trends {
		switch tr.TagName {
		case fast.TagName:
			gotFast = true
			fastIdx = i
			assert.InDelta(t, 6.0, tr.GrowthRate, 1e-9)
			assert.Equal(t, 35, tr.TraceCountPeriod)
		case slow.TagName:
			gotSlow = true
			slowIdx = i
		case flat.TagName:
			gotFlat = true
		}
	}
	assert.True(t, gotFast)
	assert.True(t, gotSlow)
	assert.False(t, gotFlat, "non-trending tags are excluded")
	assert.Less(t, fastIdx, slowIdx, "steepest growth first")
}

func TestSemanticCandidates(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tag := "semantic-" + uuid.NewString()[:8]

	exact := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(0)
		tr.EmbeddingModelID = &embedModel
	})
	near := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = blendVector(1, 0.5)
		tr.EmbeddingModelID = &embedModel
	})
	far := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(2)
		tr.EmbeddingModelID = &embedModel
	})
	// No embedding yet: invisible to semantic search.
	newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
	})

	query := unitVector(0)
	candidates, err := testDB.SemanticCandidates(ctx, *query, embedModel, []string{tag}, false, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, exact.ID, candidates[0].Trace.ID)
	assert.Equal(t, near.ID, candidates[1].Trace.ID)
	assert.Equal(t, far.ID, candidates[2].Trace.ID)
	assert.InDelta(t, 1.0, candidates[0].Similarity, 1e-6)
	assert.Greater(t, candidates[1].Similarity, candidates[2].Similarity)
}

func TestSemanticCandidatesTagFilterIsConjunctive(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	suffix := uuid.NewString()[:8]
	tagX := "conj-x-" + suffix
	tagY := "conj-y-" + suffix

	both := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tagX, tagY}
		tr.Embedding = unitVector(0)
		tr.EmbeddingModelID = &embedModel
	})
	newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tagX}
		tr.Embedding = unitVector(0)
		tr.EmbeddingModelID = &embedModel
	})

	candidates, err := testDB.SemanticCandidates(ctx, *unitVector(0), embedModel, []string{tagX, tagY}, false, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, both.ID, candidates[0].Trace.ID)
}

func TestSemanticCandidatesExpiry(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tag := "expiry-" + uuid.NewString()[:8]

	past := time.Now().UTC().Add(-time.Hour)
	expired := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(0)
		tr.EmbeddingModelID = &embedModel
		tr.ValidUntil = &past
	})
	live := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(0)
		tr.EmbeddingModelID = &embedModel
	})

	candidates, err := testDB.SemanticCandidates(ctx, *unitVector(0), embedModel, []string{tag}, false, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, live.ID, candidates[0].Trace.ID)

	candidates, err = testDB.SemanticCandidates(ctx, *unitVector(0), embedModel, []string{tag}, true, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	ids := []uuid.UUID{candidates[0].Trace.ID, candidates[1].Trace.ID}
	assert.Contains(t, ids, expired.ID)
}

func TestSemanticCandidatesExcludeFlagged(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tag := "flagged-sem-" + uuid.NewString()[:8]

	visible := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(0)
		tr.EmbeddingModelID = &embedModel
	})
	sunk := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(0)
		tr.EmbeddingModelID = &embedModel
		tr.TrustScore = -12
	})

	// The consolidation cycle flags rows under the trust floor; flagged
	// rows must stop surfacing in search immediately.
	n, err := testDB.FlagLowTrust(ctx, -10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(1))

	candidates, err := testDB.SemanticCandidates(ctx, *unitVector(0), embedModel, []string{tag}, false, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, visible.ID, candidates[0].Trace.ID)
	assert.NotEqual(t, sunk.ID, candidates[0].Trace.ID)
}

func TestSemanticCandidatesExcludeOtherModels(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tag := "model-" + uuid.NewString()[:8]

	current := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(0)
		tr.EmbeddingModelID = &embedModel
	})
	// A vector from a different model lives in an incomparable space.
	stale := "text-embedding-ada-002"
	newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(0)
		tr.EmbeddingModelID = &stale
	})

	candidates, err := testDB.SemanticCandidates(ctx, *unitVector(0), embedModel, []string{tag}, false, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, current.ID, candidates[0].Trace.ID)
}

func TestTagCandidatesExcludeFlagged(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tag := "flagged-tag-" + uuid.NewString()[:8]

	visible := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(5)
	})
	newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(5)
		tr.IsFlagged = true
		now := time.Now().UTC()
		tr.FlaggedAt = &now
	})

	candidates, err := testDB.TagCandidates(ctx, []string{tag}, false, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, visible.ID, candidates[0].Trace.ID)
}

func TestTagCandidatesOrderByTrust(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tag := "tagonly-" + uuid.NewString()[:8]

	low := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(3)
		tr.TrustScore = 0.5
	})
	high := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Tags = []string{tag}
		tr.Embedding = unitVector(4)
		tr.TrustScore = 4.2
	})

	candidates, err := testDB.TagCandidates(ctx, []string{tag}, false, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, high.ID, candidates[0].Trace.ID)
	assert.Equal(t, low.ID, candidates[1].Trace.ID)
	assert.Zero(t, candidates[0].Similarity, "tag-only matches report zero similarity")
}

func TestTracesByIDsAndBumpRetrievals(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	a := newTestTrace(t, u.ID)
	b := newTestTrace(t, u.ID)

	got, err := testDB.TracesByIDs(ctx, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, testDB.BumpRetrievals(ctx, []uuid.UUID{a.ID}))
	require.NoError(t, testDB.BumpRetrievals(ctx, []uuid.UUID{a.ID}))

	bumped, err := testDB.GetTrace(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, bumped.RetrievalCount)
	require.NotNil(t, bumped.LastRetrievedAt)

	untouched, err := testDB.GetTrace(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, untouched.RetrievalCount)
	assert.Nil(t, untouched.LastRetrievedAt)
}

func TestRetrievalLogsAndSessionGroups(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	first := newTestTrace(t, u.ID)
	second := newTestTrace(t, u.ID)
	third := newTestTrace(t, u.ID)

	session := "sess-" + uuid.NewString()[:8]
	pos0, pos1, pos2 := 0, 1, 2
	now := time.Now().UTC()

	n, err := testDB.InsertRetrievalLogs(ctx, []model.RetrievalLog{
		{TraceID: second.ID, SearchSessionID: session, ResultPosition: &pos1, RetrievedAt: now},
		{TraceID: first.ID, SearchSessionID: session, ResultPosition: &pos0, RetrievedAt: now},
		{TraceID: third.ID, SearchSessionID: session, ResultPosition: &pos2, RetrievedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	groups, err := testDB.SessionGroups(ctx, now.Add(-time.Minute), 2)
	require.NoError(t, err)
	// Result order, capped at two per session.
	require.Len(t, groups[session], 2)
	assert.Equal(t, first.ID, groups[session][0])
	assert.Equal(t, second.ID, groups[session][1])
}

func TestInsertRetrievalLogsEmpty(t *testing.T) {
	n, err := testDB.InsertRetrievalLogs(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWinnerLoserPairs(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	winner := newTestTrace(t, u.ID)
	loser := newTestTrace(t, u.ID)

	pos0, pos1 := 0, 1
	now := time.Now().UTC()
	var logs []model.RetrievalLog
	for i := 0; i < 3; i++ {
		session := fmt.Sprintf("wl-%s-%d", uuid.NewString()[:8], i)
		logs = append(logs,
			model.RetrievalLog{TraceID: winner.ID, SearchSessionID: session, ResultPosition: &pos0, RetrievedAt: now},
			model.RetrievalLog{TraceID: loser.ID, SearchSessionID: session, ResultPosition: &pos1, RetrievedAt: now},
		)
	}
	_, err := testDB.InsertRetrievalLogs(ctx, logs)
	require.NoError(t, err)

	pairs, err := testDB.WinnerLoserPairs(ctx, now.Add(-time.Minute), 3)
	require.NoError(t, err)

	var found bool
	for _, p := range pairs {
		if p.WinnerTraceID == winner.ID && p.LoserTraceID == loser.ID {
			found = true
			assert.GreaterOrEqual(t, p.Count, 3)
		}
	}
	assert.True(t, found, "repeated contest should surface as a pair")
}

func TestUpsertRifShadowAccumulates(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	winner := newTestTrace(t, u.ID)
	loser := newTestTrace(t, u.ID)

	require.NoError(t, testDB.UpsertRifShadow(ctx, loser.ID, winner.ID, 3))
	require.NoError(t, testDB.UpsertRifShadow(ctx, loser.ID, winner.ID, 2))

	var lossCount int
	err := testDB.Pool().QueryRow(ctx,
		`SELECT loss_count FROM rif_shadows WHERE loser_trace_id = $1 AND winner_trace_id = $2`,
		loser.ID, winner.ID,
	).Scan(&lossCount)
	require.NoError(t, err)
	assert.Equal(t, 5, lossCount)
}

func TestPruneRetrievalLogs(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tr := newTestTrace(t, u.ID)

	ancient := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := testDB.InsertRetrievalLogs(ctx, []model.RetrievalLog{
		{TraceID: tr.ID, SearchSessionID: "prune-" + uuid.NewString()[:8], RetrievedAt: ancient},
	})
	require.NoError(t, err)

	removed, err := testDB.PruneRetrievalLogs(ctx, ancient.Add(24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
}

func TestInsertTriggerStats(t *testing.T) {
	ctx := context.Background()
	ts, err := testDB.InsertTriggerStats(ctx, model.TriggerStats{
		SessionID: "trig-" + uuid.NewString()[:8],
		Stats:     map[string]any{"searches": float64(4), "deposits": float64(1)},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, ts.ID)
	assert.False(t, ts.CreatedAt.IsZero())
}

func TestConsolidationRunGate(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateConsolidationRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, run.Status)

	// A running run does not move the gate.
	before, err := testDB.LastCompletedRunAt(ctx)
	require.NoError(t, err)

	require.NoError(t, testDB.FinishConsolidationRun(ctx, run.ID, model.RunCompleted, map[string]any{
		"decay": map[string]any{"downscaled": 12},
	}))

	after, err := testDB.LastCompletedRunAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, after)
	if before != nil {
		assert.True(t, !after.Before(*before))
	}
	assert.WithinDuration(t, time.Now().UTC(), *after, time.Minute)

	// Failed runs never advance the gate.
	failed, err := testDB.CreateConsolidationRun(ctx)
	require.NoError(t, err)
	require.NoError(t, testDB.FinishConsolidationRun(ctx, failed.ID, model.RunFailed, nil))

	still, err := testDB.LastCompletedRunAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, after.Unix(), still.Unix())
}

func TestFlagLowTrust(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	sunk := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.TrustScore = -12
	})

	// A deeply negative threshold only catches the trace planted above.
	n, err := testDB.FlagLowTrust(ctx, -10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := testDB.GetTrace(ctx, sunk.ID)
	require.NoError(t, err)
	assert.True(t, got.IsFlagged)
	require.NotNil(t, got.FlaggedAt)

	// Already-flagged traces are not re-counted.
	n, err = testDB.FlagLowTrust(ctx, -10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestActivateDueReviews(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	due := time.Now().UTC().Add(-time.Hour)
	watching := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.ReviewAfter = &due
	})

	n, err := testDB.ActivateDueReviews(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := testDB.GetTrace(ctx, watching.ID)
	require.NoError(t, err)
	assert.True(t, got.IsStale)
	require.NotNil(t, got.MemoryTemperature)
	assert.Equal(t, model.TempFrozen, *got.MemoryTemperature)
}

func TestContradictionPairsExcludeFlagged(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)

	// Orthogonal embeddings sit at cosine distance 1, past any threshold.
	a := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Embedding = unitVector(6)
	})
	b := newTestTrace(t, u.ID, func(tr *model.Trace) {
		tr.Embedding = unitVector(7)
	})
	cluster := uuid.New()
	require.NoError(t, testDB.AssignCluster(ctx, []uuid.UUID{a.ID, b.ID}, cluster, 2))

	pairs, err := testDB.ContradictionPairs(ctx, 0.5)
	require.NoError(t, err)
	var found bool
	for _, p := range pairs {
		if (p.AID == a.ID && p.BID == b.ID) || (p.AID == b.ID && p.BID == a.ID) {
			found = true
			assert.Greater(t, p.Distance, 0.5)
		}
	}
	require.True(t, found, "divergent cluster members should pair")

	_, err = testDB.Pool().Exec(ctx,
		`UPDATE traces SET is_flagged = true, flagged_at = now() WHERE id = $1`, b.ID)
	require.NoError(t, err)

	pairs, err = testDB.ContradictionPairs(ctx, 0.5)
	require.NoError(t, err)
	for _, p := range pairs {
		assert.NotEqual(t, b.ID, p.AID)
		assert.NotEqual(t, b.ID, p.BID)
	}
}

func TestSetTemperatures(t *testing.T) {
	ctx := context.Background()
	u := newTestUser(t)
	tr := newTestTrace(t, u.ID)

	n, err := testDB.SetTemperatures(ctx, []uuid.UUID{tr.ID}, model.TempCold)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := testDB.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MemoryTemperature)
	assert.Equal(t, model.TempCold, *got.MemoryTemperature)
}
