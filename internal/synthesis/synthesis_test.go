package synthesis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr-memory/internal/blocks"
	"hmlr-memory/internal/facts"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

type stubChat struct {
	response string
	err      error
}

func (s *stubChat) Complete(ctx context.Context, system, user string) (string, error) {
	return s.response, s.err
}

func (s *stubChat) CompleteFast(ctx context.Context, system, user string) (string, error) {
	return s.response, s.err
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	job := &storage.SynthesisJob{ID: "j1", Kind: KindScribe, DayID: "2026-08-24", CreatedAt: time.Now()}
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)

	require.NoError(t, q.Close())
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Enqueue(ctx, job), ErrQueueClosed)
}

func TestMemoryQueueDequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSchedulerOutbox(t *testing.T) {
	store := storage.NewMemStore()
	q := NewMemoryQueue(4)
	s := NewScheduler(store.Jobs(), q)
	ctx := context.Background()

	job := &storage.SynthesisJob{ID: "j1", Kind: KindScribe, DayID: "2026-08-24", CreatedAt: time.Now()}
	require.NoError(t, s.Schedule(ctx, job))

	// Row persisted before enqueue.
	pending, err := store.Jobs().Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
}

func TestSchedulerScheduleSurvivesClosedQueue(t *testing.T) {
	store := storage.NewMemStore()
	q := NewMemoryQueue(4)
	require.NoError(t, q.Close())
	s := NewScheduler(store.Jobs(), q)
	ctx := context.Background()

	job := &storage.SynthesisJob{ID: "j1", Kind: KindScribe, CreatedAt: time.Now()}
	require.NoError(t, s.Schedule(ctx, job))

	pending, err := store.Jobs().Pending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSchedulerRecover(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Jobs().Insert(ctx, &storage.SynthesisJob{
		ID: "j1", Kind: KindScribe, DayID: "2026-08-24", CreatedAt: time.Now(),
	}))

	q := NewMemoryQueue(4)
	s := NewScheduler(store.Jobs(), q)
	recovered, err := s.Recover(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
}

func TestWorkerDispatchesScribe(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	chat := &stubChat{response: "An engineer who reviews contracts and cooks pasta."}

	factSvc := facts.NewService(store.Facts())
	blockMgr := blocks.NewManager(store.Blocks(), store.Turns(), chat)
	_, err := factSvc.Store(ctx, facts.StoreInput{
		Key: "wife", Value: "Sarah", Category: types.FactCategoryContact,
	})
	require.NoError(t, err)

	scribe := NewProfileService(factSvc, blockMgr, chat)
	q := NewMemoryQueue(4)
	worker := NewWorker(q, store.Jobs(), scribe, nil, nil)

	job := &storage.SynthesisJob{ID: "j1", Kind: KindScribe, DayID: "2026-08-24", CreatedAt: time.Now()}
	require.NoError(t, store.Jobs().Insert(ctx, job))
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.Close())

	require.NoError(t, worker.Run(ctx))

	profile, err := scribe.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, chat.response, profile)

	pending, err := store.Jobs().Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProfileServiceEmptyState(t *testing.T) {
	store := storage.NewMemStore()
	chat := &stubChat{response: "should not be called"}
	scribe := NewProfileService(facts.NewService(store.Facts()),
		blocks.NewManager(store.Blocks(), store.Turns(), chat), chat)
	ctx := context.Background()

	profile, err := scribe.UpdateProfile(ctx, "2026-08-24")
	require.NoError(t, err)
	assert.Empty(t, profile)

	got, err := scribe.GetProfile(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDayServiceClosesBlocks(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	chat := &stubChat{response: `{"topic_label": "Contracts", "summary": "Contract work."}`}
	blockMgr := blocks.NewManager(store.Blocks(), store.Turns(), chat)

	block, err := blockMgr.Create(ctx, "2026-08-24", "Contracts")
	require.NoError(t, err)
	require.NoError(t, blockMgr.AppendTurn(ctx, &types.Turn{
		ID: "t1", BlockID: block.ID, UserMessage: "contract question",
		AIResponse: "answer", Timestamp: time.Now().UTC(),
	}))

	day := NewDayService(blockMgr)
	require.NoError(t, day.SynthesizeDay(ctx, "2026-08-24"))

	closed, err := store.Blocks().Get(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusClosed, closed.Status)
}

func TestWeekServiceStoresDigest(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	chat := &stubChat{response: "A week spent on contracts and cooking."}
	blockMgr := blocks.NewManager(store.Blocks(), store.Turns(), chat)
	factSvc := facts.NewService(store.Facts())

	_, err := blockMgr.Create(ctx, "2026-08-24", "Contracts")
	require.NoError(t, err)

	week := NewWeekService(blockMgr, factSvc, chat)
	require.NoError(t, week.SynthesizeWeek(ctx, "2026-08-24"))

	digest, err := factSvc.Get(ctx, "week_digest_2026-08-24")
	require.NoError(t, err)
	require.NotNil(t, digest)
	assert.Equal(t, chat.response, digest.Value)
}

func TestWeekServiceEmptyWeekNoop(t *testing.T) {
	store := storage.NewMemStore()
	chat := &stubChat{response: "unused"}
	week := NewWeekService(blocks.NewManager(store.Blocks(), store.Turns(), chat),
		facts.NewService(store.Facts()), chat)

	require.NoError(t, week.SynthesizeWeek(context.Background(), "2026-08-24"))

	digest, err := facts.NewService(store.Facts()).Get(context.Background(), "week_digest_2026-08-24")
	require.NoError(t, err)
	assert.Nil(t, digest)
}
