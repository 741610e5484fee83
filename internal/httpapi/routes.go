package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/oneiric-dev/oneiric/internal/activity"
	"github.com/oneiric-dev/oneiric/internal/bridges"
	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
	"github.com/oneiric-dev/oneiric/internal/oneiriclog"
	"github.com/oneiric-dev/oneiric/internal/onerr"
	"github.com/oneiric-dev/oneiric/internal/remote"
	"github.com/oneiric-dev/oneiric/internal/resolver"
	"github.com/oneiric-dev/oneiric/internal/security"
)

// Server wires the Resolver, Lifecycle Manager, Activity Store, Remote
// Loader, and all six Domain Bridges into the control API and the two
// spec-mandated endpoints (spec.md §4.8/§6).
type Server struct {
	Resolver  *resolver.Resolver
	Lifecycle *lifecycle.Manager
	Activity  *activity.Store
	Remote    *remote.Loader
	Workflow  *bridges.WorkflowBridge
	Adapter   *bridges.AdapterBridge
	Service   *bridges.ServiceBridge
	Task      *bridges.TaskBridge
	Event     *bridges.EventBridge
	Action    *bridges.ActionBridge
	Health    *HealthAggregator
	Log       *oneiriclog.Logger
}

// Router builds the gorilla/mux router exposing every endpoint named in
// spec.md §4.8 and §6.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/tasks/workflow", s.handleWorkflowTask).Methods(http.MethodPost)

	r.HandleFunc("/v1/candidates", s.handleListCandidates).Methods(http.MethodGet)
	r.HandleFunc("/v1/candidates/{domain}/{key}/explain", s.handleExplain).Methods(http.MethodGet)
	r.HandleFunc("/v1/lifecycle/{domain}/{key}/swap", s.handleSwap).Methods(http.MethodPost)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/activity/{domain}/{key}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/v1/activity/{domain}/{key}/drain", s.handleDrain).Methods(http.MethodPost)
	r.HandleFunc("/v1/activity", s.handleActivitySnapshot).Methods(http.MethodGet)
	r.HandleFunc("/v1/remote/sync", s.handleRemoteSync).Methods(http.MethodPost)
	r.HandleFunc("/v1/remote/status", s.handleRemoteStatus).Methods(http.MethodGet)

	r.HandleFunc("/v1/adapter/{key}/use", s.handleAdapterUse).Methods(http.MethodPost)
	r.HandleFunc("/v1/service/{key}/start", s.handleServiceStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/service/{key}/stop", s.handleServiceStop).Methods(http.MethodPost)
	r.HandleFunc("/v1/task/{key}/schedule", s.handleTaskSchedule).Methods(http.MethodPost)
	r.HandleFunc("/v1/task/{key}/cancel", s.handleTaskCancel).Methods(http.MethodPost)
	r.HandleFunc("/v1/event/{topic}/publish", s.handleEventPublish).Methods(http.MethodPost)
	r.HandleFunc("/v1/event/{topic}/subscribe", s.handleEventSubscribe).Methods(http.MethodGet)
	r.HandleFunc("/v1/action/{kit}/invoke", s.handleActionInvoke).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := s.Health.Aggregate(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type workflowTaskRequest struct {
	Key    string         `json:"key"`
	DAG    []dagNode      `json:"dag"`
	Inputs map[string]any `json:"inputs"`
}

type dagNode struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on"`
}

func (s *Server) handleWorkflowTask(w http.ResponseWriter, r *http.Request) {
	var req workflowTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, onerr.Wrap(onerr.KindParseFailed, "decode workflow task request", err))
		return
	}

	nodes := make([]bridges.Node, 0, len(req.DAG))
	for _, n := range req.DAG {
		name := n.Name
		nodes = append(nodes, bridges.Node{
			Name:      name,
			DependsOn: n.DependsOn,
			Action: func(ctx context.Context, inputs, results map[string]any) (any, error) {
				return map[string]any{"node": name, "ran_at": time.Now()}, nil
			},
		})
	}

	state, err := s.Workflow.Run(r.Context(), req.Key, &bridges.DAG{Nodes: nodes}, req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": state.RunID, "state": state})
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	var domain *candidate.Domain
	if d := r.URL.Query().Get("domain"); d != "" {
		dom := candidate.Domain(d)
		domain = &dom
	}
	results := s.Resolver.List(domain)
	for i := range results {
		redactResult(&results[i])
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result := s.Resolver.Explain(candidate.Domain(vars["domain"]), vars["key"])
	redactResult(&result)
	writeJSON(w, http.StatusOK, result)
}

// redactResult masks a candidate's Settings before they leave the
// process over the control API: a Settings map may carry a Redis
// address with embedded credentials or a factory-specific API key.
func redactResult(result *candidate.ResolutionResult) {
	if result.Winner != nil {
		result.Winner.Settings = security.RedactMap(result.Winner.Settings)
	}
	for i := range result.Shadowed {
		result.Shadowed[i].Settings = security.RedactMap(result.Shadowed[i].Settings)
	}
}

type swapRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req swapRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	domain := candidate.Domain(vars["domain"])
	key := vars["key"]

	if err := s.Lifecycle.Swap(r.Context(), domain, key, req.Provider); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Lifecycle.Entry(domain, key))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	keys := s.Lifecycle.AllKeys()
	entries := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		entry := s.Lifecycle.Entry(k.Domain, k.Key)
		entries = append(entries, map[string]any{
			"domain": k.Domain,
			"key":    k.Key,
			"state":  entry.State,
			"active_provider": func() string {
				if entry.ActiveCandidate != nil {
					return entry.ActiveCandidate.Provider
				}
				return ""
			}(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.Lifecycle.Pause(r.Context(), candidate.Domain(vars["domain"]), vars["key"], body.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.Lifecycle.Drain(r.Context(), candidate.Domain(vars["domain"]), vars["key"], body.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivitySnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.Activity.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleRemoteSync(w http.ResponseWriter, r *http.Request) {
	if s.Remote == nil {
		writeError(w, onerr.New(onerr.KindNotReady, "remote loader is not enabled"))
		return
	}
	summaries := s.Remote.SyncAll(r.Context())
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleRemoteStatus(w http.ResponseWriter, r *http.Request) {
	if s.Remote == nil {
		writeError(w, onerr.New(onerr.KindNotReady, "remote loader is not enabled"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.Remote.Sources()})
}

func (s *Server) handleAdapterUse(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if _, err := s.Adapter.Use(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Lifecycle.Entry(candidate.DomainAdapter, key))
}

func (s *Server) handleServiceStart(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.Service.Start(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Lifecycle.Entry(candidate.DomainService, key))
}

func (s *Server) handleServiceStop(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.Service.Stop(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type taskScheduleRequest struct {
	Spec string `json:"spec"`
}

func (s *Server) handleTaskSchedule(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req taskScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, onerr.Wrap(onerr.KindParseFailed, "decode task schedule request", err))
		return
	}

	fire := func(ctx context.Context) {
		if _, err := s.Adapter.Use(ctx, key); err != nil && s.Log != nil {
			s.Log.WithFields(map[string]any{"key": key}).Warnf("scheduled task fire failed: %v", err)
		}
	}
	if err := s.Task.Schedule(r.Context(), key, req.Spec, fire); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.Task.Cancel(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type eventPublishRequest struct {
	Payload any `json:"payload"`
}

func (s *Server) handleEventPublish(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	var req eventPublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, onerr.Wrap(onerr.KindParseFailed, "decode event publish request", err))
		return
	}
	if err := s.Event.Publish(r.Context(), topic, req.Payload); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEventSubscribe upgrades to a websocket and streams matching
// events until the client disconnects, the external-facing counterpart
// of EventBridge.Subscribe used by in-process callers.
func (s *Server) handleEventSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if err := s.Event.ServeSubscription(w, r, bridges.TopicFilter(topic)); err != nil && s.Log != nil {
		s.Log.WithFields(map[string]any{"topic": topic}).Warnf("event subscription ended: %v", err)
	}
}

type actionInvokeRequest struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args"`
}

func (s *Server) handleActionInvoke(w http.ResponseWriter, r *http.Request) {
	kit := mux.Vars(r)["kit"]
	var req actionInvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, onerr.Wrap(onerr.KindParseFailed, "decode action invoke request", err))
		return
	}
	result, err := s.Action.Invoke(r.Context(), kit, req.Op, req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var oe *onerr.Error
	if errors.As(err, &oe) {
		writeJSON(w, oe.HTTPStatus, map[string]any{"kind": oe.Kind, "message": oe.Message, "details": oe.Details})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"kind": onerr.KindInternal, "message": err.Error()})
}
