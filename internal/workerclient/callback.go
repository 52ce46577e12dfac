package workerclient

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/caiatech/crawlorc/internal/agentpool"
	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
)

// CallbackServer receives the crawl worker's HTTP push-backs (progress and
// terminal events, and its own pool registration/heartbeat/deregistration)
// and republishes progress/terminal events onto the bus keyed by job ID. It
// also carries the pool's Register/Heartbeat/Deregister endpoints. It is
// deliberately a separate mux router from the Fiber ingress app: worker
// traffic is machine-facing and never shares middleware with user traffic.
type CallbackServer struct {
	router    *mux.Router
	bus       bus.Publisher
	pool      *agentpool.Manager
	endpoints *EndpointRegistry
}

// NewCallbackServer builds the router. Call ServeHTTP (or run it behind
// http.Server) to start accepting worker callbacks. pool/endpoints may be
// nil if this process only needs the progress/terminal callback routes
// (e.g. a test harness that registers agents directly).
func NewCallbackServer(b bus.Publisher, pool *agentpool.Manager, endpoints *EndpointRegistry) *CallbackServer {
	s := &CallbackServer{router: mux.NewRouter(), bus: b, pool: pool, endpoints: endpoints}
	s.router.HandleFunc("/callback/{jobID}/progress", s.handleProgress).Methods(http.MethodPost)
	s.router.HandleFunc("/callback/{jobID}/terminal", s.handleTerminal).Methods(http.MethodPost)
	if pool != nil && endpoints != nil {
		s.router.HandleFunc("/agents/register", s.handleRegister).Methods(http.MethodPost)
		s.router.HandleFunc("/agents/{agentID}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
		s.router.HandleFunc("/agents/{agentID}", s.handleDeregister).Methods(http.MethodDelete)
	}
	return s
}

type registerRequest struct {
	WorkerKind    domain.WorkerKind `json:"worker_kind"`
	MaxConcurrent int               `json:"max_concurrent"`
	BaseURL       string            `json:"base_url"`
	AutoScaled    bool              `json:"auto_scaled"`
}

// handleRegister receives a crawler-worker instance announcing itself and
// the endpoint it can be reached at.
func (s *CallbackServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decode register request", http.StatusBadRequest)
		return
	}
	agent, err := s.pool.Register(r.Context(), req.WorkerKind, req.MaxConcurrent, req.AutoScaled)
	if err != nil {
		http.Error(w, "register agent: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.endpoints.Put(agent.ID, req.BaseURL)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": agent.ID})
}

type heartbeatRequest struct {
	Load          int    `json:"load"`
	HealthMessage string `json:"health_message"`
}

func (s *CallbackServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentID"]
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decode heartbeat request", http.StatusBadRequest)
		return
	}
	if _, err := s.pool.Heartbeat(r.Context(), agentID, req.Load, req.HealthMessage); err != nil {
		http.Error(w, "heartbeat: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *CallbackServer) handleDeregister(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentID"]
	if err := s.pool.Deregister(r.Context(), agentID); err != nil {
		http.Error(w, "deregister: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.endpoints.Remove(agentID)
	w.WriteHeader(http.StatusNoContent)
}

// ServeHTTP implements http.Handler so CallbackServer can be passed straight
// to http.Server or httptest.NewServer.
func (s *CallbackServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *CallbackServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var evt ProgressEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "decode progress event", http.StatusBadRequest)
		return
	}
	evt.JobID = jobID

	payload, _ := json.Marshal(evt)
	if err := s.bus.Publish(r.Context(), bus.Message{Topic: bus.TopicCrawlProgress, Key: jobID, Body: payload}); err != nil {
		obslog.Job(jobID, "").Error().Err(err).Msg("failed to publish progress callback")
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *CallbackServer) handleTerminal(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var evt TerminalEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "decode terminal event", http.StatusBadRequest)
		return
	}
	evt.JobID = jobID

	payload, _ := json.Marshal(evt)
	if err := s.bus.Publish(r.Context(), bus.Message{Topic: bus.TopicCrawlResult, Key: jobID, Body: payload}); err != nil {
		obslog.Job(jobID, "").Error().Err(err).Msg("failed to publish terminal callback")
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
