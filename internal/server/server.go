package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/vorify-live/internal/classifier"
	apperrors "github.com/GriffinCanCode/vorify-live/internal/errors"
	"github.com/GriffinCanCode/vorify-live/internal/observe"
	"github.com/GriffinCanCode/vorify-live/internal/orchestrator/display"
	"github.com/GriffinCanCode/vorify-live/internal/queue"
	"github.com/GriffinCanCode/vorify-live/internal/resilience"
	"github.com/GriffinCanCode/vorify-live/internal/trace"
)

// Recorder is the recording controller as seen by the presentation layer.
type Recorder interface {
	Start(ctx context.Context) error
	Stop()
	Toggle(ctx context.Context) (bool, error)
	Recording() bool
	State() display.State
	Events() <-chan display.Event
	History(n int) []classifier.Result
	SessionResults(sessionID string) []classifier.Result
	ResultCounts() map[classifier.Label]int
	QueueStats() queue.Stats
}

// BreakerReporter exposes the classifier circuit breaker for health checks.
type BreakerReporter interface {
	BreakerState() resilience.State
}

// Message is the envelope of inbound WebSocket commands.
type Message struct {
	Type    string `json:"type"`
	TraceID string `json:"trace_id,omitempty"`
}

// ErrorMessage reports a rejected command to a WebSocket client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// StateResponse is the body of /api/state and the recording endpoints.
type StateResponse struct {
	display.State
	Queue queue.Stats `json:"queue"`
}

// ResultsResponse is the body of /api/results. Counts tally every stored
// result per label, whatever the query selected.
type ResultsResponse struct {
	Results []classifier.Result      `json:"results"`
	Counts  map[classifier.Label]int `json:"counts"`
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status     string      `json:"status"`
	Recording  bool        `json:"recording"`
	Classifier string      `json:"classifier,omitempty"`
	Queue      queue.Stats `json:"queue"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Options configures optional server collaborators.
type Options struct {
	Metrics *observe.Metrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// Breaker, when set, reports the classifier breaker on /healthz.
	Breaker BreakerReporter
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	rec     Recorder
	opts    Options
	mu      sync.RWMutex
	conns   map[*websocket.Conn]*rateLimiter
	done    chan struct{}
	closeMu sync.Once
}

// New creates a server and starts pushing display events to WebSocket clients.
func New(rec Recorder, opts Options) *Server {
	s := &Server{
		rec:   rec,
		opts:  opts,
		conns: make(map[*websocket.Conn]*rateLimiter),
		done:  make(chan struct{}),
	}
	go s.broadcastEvents()
	return s
}

// Close stops the event broadcaster.
func (s *Server) Close() {
	s.closeMu.Do(func() { close(s.done) })
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("POST /api/recording/toggle", s.handleRecordingToggle)
	mux.HandleFunc("GET /api/results", s.handleResults)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.opts.MetricsHandler)
	}

	// Apply middleware: CORS -> trace -> metrics
	return corsMiddleware(trace.Middleware(observe.Middleware(s.opts.Metrics)(mux)))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	rl := &rateLimiter{}
	s.mu.Lock()
	s.conns[conn] = rl
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	// Get trace context from HTTP upgrade request
	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	s.write(baseCtx, conn, display.Event{Type: display.EventState, State: s.rec.State()})

	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			s.write(baseCtx, conn, ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var cmd Message
		if err := json.Unmarshal(msg, &cmd); err != nil {
			s.write(baseCtx, conn, ErrorMessage{Type: "error", Message: "invalid message"})
			continue
		}

		// Continue the client's trace if it sent one
		ctx := baseCtx
		if tc, ok := trace.ExtractFromJSON(msg); ok {
			ctx = trace.WithContext(ctx, tc)
		}
		s.handleCommand(ctx, conn, cmd.Type)
	}
}

func (s *Server) handleCommand(ctx context.Context, conn *websocket.Conn, typ string) {
	ctx, span := trace.StartSpan(ctx, "ws_command")
	defer span.End()
	span.SetAttr("command", typ)

	var err error
	switch typ {
	case "start":
		err = s.rec.Start(ctx)
	case "stop":
		s.rec.Stop()
	case "toggle":
		_, err = s.rec.Toggle(ctx)
	case "state":
		s.write(ctx, conn, display.Event{Type: display.EventState, State: s.rec.State()})
		return
	default:
		s.write(ctx, conn, ErrorMessage{Type: "error", Message: "unknown command " + strconv.Quote(typ)})
		return
	}

	if err != nil {
		span.SetAttr("error", err.Error())
		log := trace.Logger(ctx)
		if apperrors.IsCode(err, apperrors.InvalidState) {
			// A stop that raced the start; the display already shows the outcome.
			log.Debug("recording command rejected", "command", typ, "error", err)
		} else {
			log.Warn("recording command failed", "command", typ, "error", err)
		}
		s.write(ctx, conn, ErrorMessage{Type: "error", Message: err.Error(), Code: apperrors.CodeOf(err).String()})
	}
}

// broadcastEvents fans display events out to every connected client.
func (s *Server) broadcastEvents() {
	events := s.rec.Events()
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.conns))
			for conn := range s.conns {
				conns = append(conns, conn)
			}
			s.mu.RUnlock()

			for _, c := range conns {
				s.write(context.Background(), c, evt)
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		slog.Debug("websocket write error", "error", err)
	}
}

func (s *Server) stateResponse() StateResponse {
	return StateResponse{State: s.rec.State(), Queue: s.rec.QueueStats()}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Start(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	s.rec.Stop()
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handleRecordingToggle(w http.ResponseWriter, r *http.Request) {
	if _, err := s.rec.Toggle(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	limit := DefaultResultsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(r.Context(), w, apperrors.Newf(apperrors.ConfigInvalid, "limit %q must be a positive integer", v))
			return
		}
		limit = min(n, MaxResultsLimit)
	}
	var results []classifier.Result
	if id := r.URL.Query().Get("session"); id != "" {
		results = s.rec.SessionResults(id)
		if len(results) > limit {
			results = results[len(results)-limit:]
		}
	} else {
		results = s.rec.History(limit)
	}
	if results == nil {
		results = []classifier.Result{}
	}
	writeJSON(w, http.StatusOK, ResultsResponse{Results: results, Counts: s.rec.ResultCounts()})
}

// handleHealth reports degraded while the classifier breaker is open. The
// process itself is still healthy, so the status code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Recording: s.rec.Recording(),
		Queue:     s.rec.QueueStats(),
	}
	if s.opts.Breaker != nil {
		st := s.opts.Breaker.BreakerState()
		resp.Classifier = st.String()
		if st == resilience.Open {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		trace.Logger(ctx).Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  apperrors.CodeOf(err).String(),
	})
}
