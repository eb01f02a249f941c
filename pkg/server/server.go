package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/elonfeng/newsradar/internal/logging"
	"github.com/elonfeng/newsradar/internal/metrics"
	"github.com/elonfeng/newsradar/internal/scheduler"
	"github.com/elonfeng/newsradar/internal/store"
	"github.com/elonfeng/newsradar/pkg/notify"
	"github.com/elonfeng/newsradar/pkg/source"
	"github.com/elonfeng/newsradar/pkg/topic"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Options configure the server. Scheduler may be nil, in which case the
// poll endpoint is unavailable.
type Options struct {
	Port      int
	Scheduler *scheduler.Scheduler
	Timeline  topic.Policy
}

// Server provides the HTTP API.
type Server struct {
	store    store.Store
	registry *source.Registry
	hub      *notify.Hub
	counters *metrics.Counters
	sched    *scheduler.Scheduler
	timeline topic.Policy
	port     int
	log      *log.Logger
}

// New creates a new HTTP server.
func New(st store.Store, registry *source.Registry, hub *notify.Hub, counters *metrics.Counters, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.Timeline == (topic.Policy{}) {
		opts.Timeline = topic.DefaultPolicy
	}
	if hub == nil {
		hub = notify.NewHub()
	}
	if counters == nil {
		counters = metrics.New()
	}
	return &Server{
		store:    st,
		registry: registry,
		hub:      hub,
		counters: counters,
		sched:    opts.Scheduler,
		timeline: opts.Timeline,
		port:     opts.Port,
		log:      logging.WithPrefix("http"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/items", s.handleItems)
	mux.HandleFunc("GET /api/v1/threads/{id}", s.handleThread)
	mux.HandleFunc("GET /api/v1/sources", s.handleSources)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("POST /api/v1/poll", s.handlePoll)
	mux.HandleFunc("POST /api/v1/reset", s.handleReset)
	mux.Handle("GET /ws", notify.Handler(s.hub))
	return mux
}

// ListenAndServe serves the API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(q.Get("limit"), defaultPageSize)
	if limit < 1 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	category := q.Get("category")
	if category != "" {
		if _, ok := s.registry.Category(category); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown category %q", category))
			return
		}
	}

	items, err := s.store.ListItems(r.Context(), store.ListOpts{
		Category: category,
		Offset:   (page - 1) * limit,
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total, err := s.store.CountItems(r.Context(), category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []source.Item{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	items, err := s.store.ThreadItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("thread %q not found", id))
		return
	}

	filtered := false
	if r.URL.Query().Get("raw") != "1" {
		items, filtered = topic.FilterTimeline(items, s.timeline)
	}

	label := ""
	for _, it := range items {
		if it.TopicLabel != nil && *it.TopicLabel != "" {
			label = *it.TopicLabel
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic_id":    id,
		"topic_label": label,
		"items":       items,
		"filtered":    filtered,
	})
}

type sourceInfo struct {
	Category        string     `json:"category"`
	Name            string     `json:"name"`
	Kind            string     `json:"kind"`
	URL             string     `json:"url"`
	KnownIDs        []string   `json:"known_ids"`
	LatestPublished *time.Time `json:"latest_published,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	Corrupt         bool       `json:"corrupt,omitempty"`
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	wms, err := s.store.ListWatermarks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	byKey := make(map[[2]string]store.Watermark, len(wms))
	for _, wm := range wms {
		byKey[[2]string{wm.Category, wm.Source}] = wm
	}

	infos := make([]sourceInfo, 0)
	for _, src := range s.registry.All() {
		info := sourceInfo{
			Category: src.Category,
			Name:     src.Name,
			Kind:     string(src.Kind),
			URL:      src.URL,
			KnownIDs: []string{},
		}
		if wm, ok := byKey[[2]string{src.Category, src.Name}]; ok {
			info.KnownIDs = wm.Window.IDs()
			info.Corrupt = wm.Corrupt
			if !wm.LatestPublished.IsZero() {
				t := wm.LatestPublished
				info.LatestPublished = &t
			}
			if wm.Exists() {
				t := wm.UpdatedAt
				info.UpdatedAt = &t
			}
		}
		infos = append(infos, info)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  infos,
		"count": len(infos),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByCategory(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	total := 0
	items := make(map[string]int, len(counts))
	for _, name := range s.registry.Names() {
		items[name] = 0
	}
	for name, n := range counts {
		items[name] = n
		total += n
	}

	resp := map[string]any{
		"items":     items,
		"total":     total,
		"counters":  s.counters.Snapshot(),
		"listeners": s.hub.Listeners(),
	}
	if s.sched != nil {
		states := make(map[string]string)
		for _, p := range s.sched.Pipelines() {
			states[p.Category().Name] = p.State().String()
		}
		resp["pipelines"] = states
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePoll runs one cycle for the given category, or for all of them.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("polling is not running in this process"))
		return
	}

	category := r.URL.Query().Get("category")
	if category == "" {
		writeJSON(w, http.StatusOK, map[string]any{"data": s.sched.PollAll(r.Context())})
		return
	}
	p, ok := s.sched.Pipeline(category)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown category %q", category))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": []scheduler.CycleReport{p.Poll(r.Context())}})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Warn("store reset through api", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
