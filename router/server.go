package router

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Version is reported by /health.
const Version = "0.2.0"

const maxRequestBody = 32 << 20

// Server is the OpenAI-compatible front door. It parses just enough of
// each request to route it, then hands the raw body to the dispatcher.
type Server struct {
	cfg        RouterConfig
	registry   Registry
	strategy   RoutingPolicy
	queue      *QueueManager
	dispatcher *Dispatcher
	httpSrv    *http.Server
}

func NewServer(cfg RouterConfig, registry Registry, strategy RoutingPolicy, queue *QueueManager, dispatcher *Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		strategy:   strategy,
		queue:      queue,
		dispatcher: dispatcher,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", s.handleCompletions)
	mux.HandleFunc("/v1/chat/completions", s.handleCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	logrus.Infof("router listening on %s, strategy %s", s.cfg.ListenAddr, s.strategy.Name())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logrus.Infof("draining in-flight requests")
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "", http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	reqID := r.Header.Get(HeaderRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, reqID, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return
	}
	var parsed completionRequest
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		s.writeError(w, reqID, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if parsed.Model == "" {
		s.writeError(w, reqID, http.StatusBadRequest, "model is required")
		return
	}
	if !s.modelKnown(parsed.Model) {
		s.writeError(w, reqID, http.StatusNotFound, "model "+strconv.Quote(parsed.Model)+" not found")
		return
	}

	sessionKey := r.Header.Get(s.cfg.SessionHeader)
	if sessionKey == "" {
		sessionKey = sessionKeyFromBody(body, s.cfg.SessionBodyField)
	}
	priority := 0
	if v := r.Header.Get(s.cfg.PriorityHeader); v != "" {
		if p, perr := strconv.Atoi(v); perr == nil {
			priority = p
		} else {
			logrus.Debugf("request %s: ignoring malformed priority %q", reqID, v)
		}
	}

	req := &RoutingRequest{
		ID:         reqID,
		Model:      parsed.Model,
		Prompt:     parsed.promptText(),
		SessionKey: sessionKey,
		Priority:   priority,
		Stream:     parsed.Stream,
		Path:       r.URL.Path,
		Header:     r.Header.Clone(),
		Body:       body,
	}

	candidates := s.registry.List(req.Model)
	if len(candidates) == 0 {
		s.writeRouteError(w, reqID, ErrNoHealthyEndpoint)
		return
	}
	decision, err := s.strategy.Select(r.Context(), req, candidates)
	if err != nil {
		s.writeRouteError(w, reqID, err)
		return
	}
	logrus.Debugf("request %s routed: %s", reqID, decision.Reason)

	if decision.Disaggregated {
		if err := s.dispatcher.DispatchDisaggregated(r.Context(), w, req, decision); err != nil {
			s.writeRouteError(w, reqID, err)
		}
		return
	}

	target := decision.Target
	if !s.queue.TryAcquire(target.URL) {
		entry, qerr := s.queue.Enqueue(r.Context(), req, decision)
		if qerr != nil {
			s.writeRouteError(w, reqID, qerr)
			return
		}
		target, qerr = entry.Wait()
		if qerr != nil {
			if r.Context().Err() != nil {
				return // caller gone, nothing left to tell it
			}
			s.writeRouteError(w, reqID, qerr)
			return
		}
	}
	defer s.queue.Done(target.URL)

	if err := s.dispatcher.Dispatch(r.Context(), w, req, target); err != nil {
		s.writeRouteError(w, reqID, err)
	}
}

// modelKnown reports whether any endpoint serves model. Endpoints with
// no declared model list accept anything.
func (s *Server) modelKnown(model string) bool {
	for _, m := range s.registry.Models() {
		if m == model {
			return true
		}
	}
	for _, ep := range s.registry.All() {
		if len(ep.Models) == 0 {
			return true
		}
	}
	return false
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := s.registry.Models()
	sort.Strings(models)
	now := time.Now().Unix()
	list := modelList{Object: "list", Data: make([]modelInfo, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, modelInfo{ID: m, Object: "model", Created: now, OwnedBy: "vllm"})
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthStatus{
		Status:    "ok",
		Strategy:  s.strategy.Name(),
		Endpoints: len(s.registry.All()),
		Version:   Version,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeRouteError(w http.ResponseWriter, reqID string, err error) {
	logrus.Warnf("request %s failed: %v", reqID, err)
	s.writeError(w, reqID, HTTPStatus(err), err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, reqID string, status int, msg string) {
	if reqID != "" {
		w.Header().Set(HeaderRequestID, reqID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := sonic.Marshal(errorBody{Error: errorDetail{
		Message: msg,
		Type:    errorTypeForStatus(status),
		Code:    status,
	}})
	_, _ = w.Write(data)
}

func errorTypeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}
