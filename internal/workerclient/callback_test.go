package workerclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/crawlorc/internal/agentpool"
	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/storage/memstore"
	"github.com/caiatech/crawlorc/internal/workerclient"
)

func TestCallbackServer_ProgressAndTerminal(t *testing.T) {
	b := bus.New()
	server := httptest.NewServer(workerclient.NewCallbackServer(b, nil, nil))
	defer server.Close()

	progress := make(chan bus.Message, 1)
	b.Subscribe(bus.TopicCrawlProgress, func(ctx context.Context, msg bus.Message) error {
		progress <- msg
		return nil
	})

	resp, err := http.Post(server.URL+"/callback/job-9/progress", "application/json",
		bytes.NewBufferString(`{"seq":1,"urls_processed":2,"urls_successful":2,"urls_failed":0}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case msg := <-progress:
		assert.Equal(t, "job-9", msg.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for republished progress event")
	}

	terminal := make(chan bus.Message, 1)
	b.Subscribe(bus.TopicCrawlResult, func(ctx context.Context, msg bus.Message) error {
		terminal <- msg
		return nil
	})

	resp2, err := http.Post(server.URL+"/callback/job-9/terminal", "application/json",
		bytes.NewBufferString(`{"seq":2,"success":true}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp2.StatusCode)

	select {
	case msg := <-terminal:
		assert.Equal(t, "job-9", msg.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for republished terminal event")
	}
}

func TestCallbackServer_AgentRegisterHeartbeatDeregister(t *testing.T) {
	store := memstore.New()
	repos := store.Repositories()
	pool := agentpool.New(repos.Agents, repos.ScalingPolicy, repos.Outbox, repos.Tx, 10*time.Minute)
	endpoints := workerclient.NewEndpointRegistry()

	b := bus.New()
	server := httptest.NewServer(workerclient.NewCallbackServer(b, pool, endpoints))
	defer server.Close()

	resp, err := http.Post(server.URL+"/agents/register", "application/json",
		bytes.NewBufferString(`{"worker_kind":"http_client","max_concurrent":5,"base_url":"http://worker-1:9000"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AgentID string `json:"agent_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.AgentID)

	submitURL, err := endpoints.SubmitURL(body.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "http://worker-1:9000/crawl/submit", submitURL)

	hbResp, err := http.Post(server.URL+"/agents/"+body.AgentID+"/heartbeat", "application/json",
		bytes.NewBufferString(`{"load":2,"health_message":"ok"}`))
	require.NoError(t, err)
	defer hbResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, hbResp.StatusCode)

	agent, err := repos.Agents.Get(context.Background(), body.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 2, agent.CurrentJobCount)
	assert.Equal(t, domain.AgentAvailable, agent.Status)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/agents/"+body.AgentID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	_, err = endpoints.SubmitURL(body.AgentID)
	assert.Error(t, err)
}
