package fanout_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/fanout"
	"github.com/caiatech/crawlorc/internal/storage/memstore"
)

func TestFanout_ProgressThenTerminal(t *testing.T) {
	b := bus.New()
	store := memstore.New()
	repos := store.Repositories()
	ctx := context.Background()

	require.NoError(t, repos.Jobs.Insert(ctx, &domain.CrawlJob{ID: "job-1", URLs: []string{"https://a.test"}, Status: domain.JobRunning}))

	f := fanout.New(b, repos.Results, repos.Jobs, 4)
	events, unsubscribe := f.Subscribe("job-1")
	defer unsubscribe()

	progress, _ := json.Marshal(map[string]any{"job_id": "job-1", "urls_processed": 1, "urls_successful": 1, "urls_failed": 0})
	require.NoError(t, b.Publish(ctx, bus.Message{Topic: bus.TopicCrawlProgress, Key: "job-1", Body: progress}))

	select {
	case evt := <-events:
		assert.False(t, evt.Terminal)
		assert.Equal(t, 1, evt.Progress.URLsProcessed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event")
	}

	terminal, _ := json.Marshal(map[string]any{
		"job_id": "job-1", "success": true,
		"results": []domain.CrawlResult{{ID: "r1", URL: "https://a.test", Success: true}},
	})
	require.NoError(t, b.Publish(ctx, bus.Message{Topic: bus.TopicCrawlResult, Key: "job-1", Body: terminal}))

	select {
	case evt := <-events:
		assert.True(t, evt.Terminal)
		assert.True(t, evt.Success)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}

	results, err := repos.Results.ListByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	job, err := repos.Jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.URLsProcessed)
}

func TestFanout_DropsOldestProgressWhenQueueFull(t *testing.T) {
	b := bus.New()
	store := memstore.New()
	repos := store.Repositories()
	ctx := context.Background()

	require.NoError(t, repos.Jobs.Insert(ctx, &domain.CrawlJob{ID: "job-2", Status: domain.JobRunning}))

	f := fanout.New(b, repos.Results, repos.Jobs, 1)
	events, unsubscribe := f.Subscribe("job-2")
	defer unsubscribe()

	publish := func(n int) {
		body, _ := json.Marshal(map[string]any{"job_id": "job-2", "urls_processed": n})
		require.NoError(t, b.Publish(ctx, bus.Message{Topic: bus.TopicCrawlProgress, Key: "job-2", Body: body}))
	}

	publish(1)
	publish(2) // queue depth 1: the stale update is evicted for the newest
	publish(3)

	select {
	case evt := <-events:
		assert.Equal(t, 3, evt.Progress.URLsProcessed, "only the freshest progress must survive the full queue")
	case <-time.After(time.Second):
		t.Fatal("expected a delivered progress event")
	}
	select {
	case evt := <-events:
		t.Fatalf("expected the stale updates to have been evicted, got %d", evt.Progress.URLsProcessed)
	default:
	}
}
