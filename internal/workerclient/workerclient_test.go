package workerclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/workerclient"
)

type staticEndpoint struct{ url string }

func (s staticEndpoint) SubmitURL(agentID string) (string, error) { return s.url, nil }

func TestSubmit_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload workerclient.SubmitPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "job-1", payload.JobID)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := bus.New()
	c := workerclient.New(srv.Client(), staticEndpoint{srv.URL}, b, 100, 10)

	err := c.Submit(context.Background(), "agent-1", &domain.CrawlJob{ID: "job-1", URLs: []string{"https://a.test"}})
	require.NoError(t, err)
}

func TestSubmit_ServerErrorIsWorkerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := bus.New()
	c := workerclient.New(srv.Client(), staticEndpoint{srv.URL}, b, 100, 10)

	err := c.Submit(context.Background(), "agent-1", &domain.CrawlJob{ID: "job-1"})
	require.Error(t, err)
	assert.Equal(t, crawlerr.WorkerUnavailable, crawlerr.KindOf(err))
}

func TestOnProgress_DropsOutOfOrderAndDuplicates(t *testing.T) {
	b := bus.New()
	c := workerclient.New(http.DefaultClient, staticEndpoint{}, b, 100, 10)

	var received []int64
	unsubscribe := c.OnProgress("job-1", func(evt workerclient.ProgressEvent) {
		received = append(received, evt.Seq)
	})
	defer unsubscribe()

	publish := func(seq int64) {
		body, _ := json.Marshal(workerclient.ProgressEvent{JobID: "job-1", Seq: seq})
		require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: bus.TopicCrawlProgress, Key: "job-1", Seq: seq, Body: body}))
	}

	publish(1)
	publish(3)
	publish(2) // stale, dropped
	publish(3) // duplicate, dropped

	assert.Equal(t, []int64{1, 3}, received)
}

func TestSubmitSync_ReturnsTerminalEvent(t *testing.T) {
	b := bus.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		go func() {
			body, _ := json.Marshal(workerclient.TerminalEvent{JobID: "job-1", Seq: 1, Success: true})
			_ = b.Publish(context.Background(), bus.Message{Topic: bus.TopicCrawlResult, Key: "job-1", Seq: 1, Body: body})
		}()
	}))
	defer srv.Close()

	c := workerclient.New(srv.Client(), staticEndpoint{srv.URL}, b, 100, 10)

	evt, err := c.SubmitSync(context.Background(), "agent-1", &domain.CrawlJob{ID: "job-1"}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, evt.Success)
}

func TestSubmitSync_DeadlineExceeded(t *testing.T) {
	b := bus.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := workerclient.New(srv.Client(), staticEndpoint{srv.URL}, b, 100, 10)

	_, err := c.SubmitSync(context.Background(), "agent-1", &domain.CrawlJob{ID: "job-2"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, crawlerr.Timeout, crawlerr.KindOf(err))
}
