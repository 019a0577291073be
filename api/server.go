// ABOUTME: HTTP API over the pipeline coordinator: status, run, retry, accept, reset, countdowns, history, and saves.
// ABOUTME: Runs and retries start in the background and report through the event log; callers poll or stream events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hiratazx/SeiyoHighFork-sub002/history"
	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/session"
	"github.com/hiratazx/SeiyoHighFork-sub002/stages"
)

// maxImportBytes caps the size of an uploaded save.
const maxImportBytes = 32 << 20

// sseHeartbeatInterval is how often the event stream sends keep-alive comments.
const sseHeartbeatInterval = 15 * time.Second

// ssePollInterval is how often the event stream checks the bus for new events.
const ssePollInterval = 250 * time.Millisecond

// Config holds the server's collaborators.
type Config struct {
	Addr        string
	Token       string
	Coordinator *pipeline.Coordinator
	Events      *pipeline.EventBus
	Games       *session.FileStore
}

// Server is the seiyo HTTP API.
type Server struct {
	cfg    Config
	runner *pipeline.Runner
	router chi.Router

	// background holds the context runs started over HTTP execute under.
	background context.Context
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("api: coordinator is required")
	}
	if cfg.Games == nil {
		return nil, fmt.Errorf("api: game store is required")
	}
	if cfg.Events == nil {
		cfg.Events = pipeline.NewEventBus(0)
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:2390"
	}
	s := &Server{cfg: cfg, runner: cfg.Coordinator.Runner(), background: context.Background()}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("component=api action=listening addr=%s", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(requireToken(s.cfg.Token))

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)
	r.Get("/events/stream", s.handleEventStream)

	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", s.handlePipelineList)
		r.Route("/{kind}", func(r chi.Router) {
			r.Get("/", s.handlePipelineStatus)
			r.Post("/run", s.handleRun)
			r.Post("/retry/{step}", s.handleRetry)
			r.Post("/accept", s.handleAccept)
			r.Post("/reset", s.handleReset)
			r.Delete("/countdown", s.handleCountdownCancel)
		})
	})

	r.Route("/game", func(r chi.Router) {
		r.Get("/", s.handleGame)
		r.Post("/advance", s.handleAdvance)
		r.Get("/history", s.handleHistory)
		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pipelineView is the JSON shape of one pipeline's status.
type pipelineView struct {
	Kind      pipeline.Kind       `json:"kind"`
	Running   bool                `json:"running"`
	State     *pipeline.State     `json:"state"`
	Stages    []stageView         `json:"stages"`
	Countdown *pipeline.Countdown `json:"countdown,omitempty"`
	Category  pipeline.Category   `json:"category,omitempty"`
	Remedies  []pipeline.Remedy   `json:"remedies,omitempty"`
}

type stageView struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	Step      pipeline.Step `json:"step"`
	Completed bool          `json:"completed"`
}

func (s *Server) view(ctx context.Context, kind pipeline.Kind) (*pipelineView, error) {
	def, err := s.runner.Definition(kind)
	if err != nil {
		return nil, err
	}
	st, err := s.runner.Status(ctx, kind)
	if err != nil {
		return nil, err
	}
	v := &pipelineView{Kind: kind, Running: s.runner.Running(kind), State: st}
	for _, stage := range def.Stages() {
		v.Stages = append(v.Stages, stageView{ID: stage.ID, Label: stage.Label, Step: stage.Completes, Completed: st.Step >= stage.Completes})
	}
	if cd, ok := s.cfg.Coordinator.Countdown(kind); ok {
		v.Countdown = &cd
	}
	if d, ok := st.LastError(); ok {
		v.Category = pipeline.Classify(d)
		v.Remedies = pipeline.Remedies(v.Category)
	}
	return v, nil
}

func (s *Server) handlePipelineList(w http.ResponseWriter, r *http.Request) {
	views := make([]*pipelineView, 0, len(pipeline.Kinds))
	for _, kind := range pipeline.Kinds {
		v, err := s.view(r.Context(), kind)
		if err != nil {
			writeErr(w, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	v, err := s.view(r.Context(), kind)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	var opts []pipeline.RunOption
	if from := r.URL.Query().Get("from"); from != "" {
		n, err := strconv.Atoi(from)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be a step number")
			return
		}
		opts = append(opts, pipeline.WithFromStep(pipeline.Step(n)))
	}
	rc, err := s.runContext(r.Context(), kind)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.start(w, kind, func(ctx context.Context) (pipeline.Outcome, error) {
		return s.cfg.Coordinator.Run(ctx, kind, rc, opts...)
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "step must be a number")
		return
	}
	if err := s.checkRetry(r.Context(), kind, pipeline.Step(n)); err != nil {
		writeErr(w, err)
		return
	}
	rc, err := s.runContext(r.Context(), kind)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.start(w, kind, func(ctx context.Context) (pipeline.Outcome, error) {
		return s.cfg.Coordinator.Retry(ctx, kind, pipeline.Step(n), rc)
	})
}

// checkRetry rejects steps the runner would refuse, so the caller gets the
// error instead of a 202 for a retry that never starts.
func (s *Server) checkRetry(ctx context.Context, kind pipeline.Kind, step pipeline.Step) error {
	def, err := s.runner.Definition(kind)
	if err != nil {
		return err
	}
	if _, ok := def.StageFor(step); !ok {
		return fmt.Errorf("%w: %s step %d", pipeline.ErrUnknownStep, kind, step)
	}
	st, err := s.runner.Status(ctx, kind)
	if err != nil {
		return err
	}
	if next, _ := def.Next(st.Step); step > st.Step && next.Completes != step {
		return fmt.Errorf("%w: %s step %d (completed %d)", pipeline.ErrStepOutOfOrder, kind, step, st.Step)
	}
	return nil
}

// start launches fn in the background and answers 202. A kind that is
// already running is answered with 409 without starting anything.
func (s *Server) start(w http.ResponseWriter, kind pipeline.Kind, fn func(context.Context) (pipeline.Outcome, error)) {
	if s.runner.Running(kind) {
		writeErr(w, pipeline.ErrAlreadyRunning)
		return
	}
	go func() {
		out, err := fn(s.background)
		if err != nil {
			log.Printf("component=api action=run_rejected kind=%s err=%v", kind, err)
			return
		}
		log.Printf("component=api action=run_finished kind=%s status=%s step=%d", kind, out.Status, out.Step)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"kind": kind, "status": "started"})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	s.cfg.Coordinator.Cancel(kind)
	g, err := stages.Accept(r.Context(), s.runner, s.cfg.Games, kind)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	s.cfg.Coordinator.Cancel(kind)
	st, err := s.runner.Reset(r.Context(), kind)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCountdownCancel(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	s.cfg.Coordinator.Cancel(kind)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a sequence number")
			return
		}
		since = n
	}
	events := s.cfg.Events.Since(since)
	if events == nil {
		events = []pipeline.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleEventStream streams bus events as text/event-stream with heartbeats.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	var last int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		last, _ = strconv.ParseInt(v, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	_, _ = fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	poll := time.NewTicker(ssePollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-poll.C:
			for _, evt := range s.cfg.Events.Since(last) {
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
				last = evt.Seq
			}
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.cfg.Games.Load(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	g, err := s.cfg.Games.Update(r.Context(), func(g *session.GameState) error {
		g.Live.Advance()
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.Live)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	g, err := s.cfg.Games.Load(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	days := g.History()
	opts := history.ExportOptions{
		Title:            g.Title,
		WithTranslations: r.URL.Query().Get("translations") == "1",
		WithMotivations:  r.URL.Query().Get("motivations") == "1",
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, days)
	case "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, history.Markdown(days, opts))
	case "html":
		out, err := history.HTML(days, opts)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, out)
	case "yaml":
		out, err := history.YAML(days, opts)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = io.WriteString(w, out)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	g, err := s.cfg.Games.Load(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := session.Export(r.Context(), g, s.runner)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="seiyo-save.json"`)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "save too large")
		return
	}
	current, err := s.cfg.Games.LoadOrNew(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := session.Import(data, current.SegmentOrder)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, kind := range pipeline.Kinds {
		if s.runner.Running(kind) {
			writeErr(w, pipeline.ErrAlreadyRunning)
			return
		}
		s.cfg.Coordinator.Cancel(kind)
	}
	if err := session.Restore(r.Context(), snap, s.cfg.Games, s.runner); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"title":   snap.Game.Title,
		"day":     snap.Game.Day,
		"history": snap.History(current.SegmentOrder),
	})
}

func (s *Server) kindParam(w http.ResponseWriter, r *http.Request) (pipeline.Kind, bool) {
	kind, err := pipeline.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return kind, true
}

func (s *Server) runContext(ctx context.Context, kind pipeline.Kind) (pipeline.RunContext, error) {
	g, err := s.cfg.Games.LoadOrNew(ctx)
	if err != nil {
		return pipeline.RunContext{}, err
	}
	return g.RunContext(kind), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("component=api action=encode_failed err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, pipeline.ErrBlockedByOtherTab):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrNotReady):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrStepOutOfOrder), errors.Is(err, pipeline.ErrUnknownStep):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownKind):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNoGame):
		status = http.StatusNotFound
	}
	writeError(w, status, err.Error())
}
