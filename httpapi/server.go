package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"pkt.systems/tabkeeper/core"
	"pkt.systems/tabkeeper/internal/logx"
	"pkt.systems/tabkeeper/internal/version"
	"pkt.systems/tabkeeper/schema"
)

// Sessions resolves tab sessions by storage key.
type Sessions interface {
	Open(ctx context.Context, key schema.StorageKey) (*core.Session, error)
	Keys() []schema.StorageKey
	Dispose(ctx context.Context, key schema.StorageKey) bool
}

// ErrLeaveDeclined is reported when the host leave check refused an operation.
var ErrLeaveDeclined = errors.New("leave declined")

const maxBodySize = 1 << 20

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	sessions Sessions
	hub      *Hub
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, sessions Sessions, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub(cfg.HubHistory)
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withRequestLogging)

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/sessions", s.handleListSessions)
	r.Route("/api/sessions/{key}", func(r chi.Router) {
		r.Get("/", s.withSession(s.handleView))
		r.Delete("/", s.handleDispose)
		r.Get("/state", s.withSession(s.handleState))
		r.Post("/tabs", s.withSession(s.handleNewTab))
		r.Get("/tabs/{id}", s.withSession(s.handleGetTab))
		r.Patch("/tabs/{id}", s.withSession(s.handlePatchTab))
		r.Post("/tabs/{id}/fix", s.withSession(s.handleFixTab))
		r.Get("/current", s.withSession(s.handleCurrent))
		r.Put("/selected", s.withSession(s.handleSelect))
		r.Post("/navigate", s.withSession(s.handleNavigate))
		r.Post("/route", s.withSession(s.handleRoute))
		r.Post("/close/{index}", s.withSession(s.handleClose))
		r.Get("/decisions", s.withSession(s.handleDecisions))
		r.Post("/decisions/{id}", s.withSession(s.handleResolve))
		r.Post("/batch-close", s.withSession(s.handleBatchClose))
		r.Post("/operate", s.withSession(s.handleOperate))
		r.Get("/lookup", s.withSession(s.handleLookup))
		r.Post("/persist", s.withSession(s.handlePersist))
		r.Get("/stream", s.withSession(s.handleStream))
	})

	if s.basePath == "" {
		return r
	}
	root := chi.NewRouter()
	root.Mount(s.basePath, r)
	return root
}

type sessionHandler func(http.ResponseWriter, *http.Request, *core.Session)

// withSession opens the session named by the key URL parameter and attaches
// a storage-key logger to the request context.
func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := storageKeyParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		log := logx.Ctx(r.Context()).With("storage_key", key, "remote", clientIP(r))
		ctx := logx.ContextWithKeyLogger(r.Context(), log, key)
		session, err := s.sessions.Open(ctx, key)
		if err != nil {
			log.Warn("http session open failed", "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		next(w, r.WithContext(ctx), session)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version.Describe()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Keys()})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, session *core.Session) {
	writeJSON(w, http.StatusOK, session.View())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, session *core.Session) {
	writeJSON(w, http.StatusOK, session.Snapshot())
}

func (s *Server) handleDispose(w http.ResponseWriter, r *http.Request) {
	key, err := storageKeyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.sessions.Dispose(r.Context(), key) {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q is not open", key))
		return
	}
	logx.WithStorageKey(r.Context(), key).Info("http session disposed")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleNewTab(w http.ResponseWriter, r *http.Request, session *core.Session) {
	var payload schema.NewTabRequest
	if err := decodeOptionalJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tab, ok, err := session.NewTab(r.Context(), payload.Key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusPreconditionFailed, ErrLeaveDeclined)
		return
	}
	writeJSON(w, http.StatusCreated, tab)
}

func (s *Server) handleGetTab(w http.ResponseWriter, r *http.Request, session *core.Session) {
	id := schema.TabID(chi.URLParam(r, "id"))
	tab, ok := session.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", schema.ErrTabNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handlePatchTab(w http.ResponseWriter, r *http.Request, session *core.Session) {
	var patch schema.TabPatch
	if err := decodeJSON(r.Body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tab, err := session.UpdatePartial(r.Context(), schema.TabID(chi.URLParam(r, "id")), patch)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handleFixTab(w http.ResponseWriter, r *http.Request, session *core.Session) {
	tab, err := session.FixTab(r.Context(), schema.TabID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request, session *core.Session) {
	tab, ok := session.Current()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: no tab selected", schema.ErrTabNotFound))
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, session *core.Session) {
	var payload schema.SelectRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tab, ok, err := session.Select(r.Context(), payload.Index)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusPreconditionFailed, ErrLeaveDeclined)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request, session *core.Session) {
	if err := session.Navigate(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request, session *core.Session) {
	var event schema.NavigationEvent
	if err := decodeJSON(r.Body, &event); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tab, err := session.RouteChanged(r.Context(), event)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, session *core.Session) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: index must be an integer", schema.ErrInvalidRequest))
		return
	}
	outcome, err := session.RequestClose(r.Context(), index)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, outcomeStatus(outcome), outcome)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request, session *core.Session) {
	writeJSON(w, http.StatusOK, map[string]any{"decisions": session.Guard().Pending()})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, session *core.Session) {
	var payload schema.ResolveDecisionRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := session.ResolveClose(r.Context(), schema.DecisionID(chi.URLParam(r, "id")), payload.Choice)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, outcomeStatus(outcome), outcome)
}

func (s *Server) handleBatchClose(w http.ResponseWriter, r *http.Request, session *core.Session) {
	var payload schema.BatchCloseRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, ok, err := session.BatchClose(r.Context(), payload.IDs)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusPreconditionFailed, ErrLeaveDeclined)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOperate(w http.ResponseWriter, r *http.Request, session *core.Session) {
	var payload schema.OperateRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, ok, err := session.CloseByOperate(r.Context(), payload.Action, payload.ID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusPreconditionFailed, ErrLeaveDeclined)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, session *core.Session) {
	resourceID := strings.TrimSpace(r.URL.Query().Get("resource_id"))
	if resourceID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: resource_id is required", schema.ErrInvalidRequest))
		return
	}
	tab, ok := session.LookupResource(resourceID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: resource %s", schema.ErrTabNotFound, resourceID))
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request, session *core.Session) {
	if err := session.Persist(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, session *core.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	key := session.Key()
	log := logx.WithStorageKey(r.Context(), key)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))

	// Subscribe before the snapshot so nothing published in between is lost.
	ch, unsubscribe, seq := s.hub.Subscribe(key)
	defer unsubscribe()

	view := session.View()
	_ = writeSSEvent(w, StreamEvent{
		Seq:           seq,
		Type:          "snapshot",
		SelectedIndex: view.SelectedIndex,
		Snapshot:      &view,
		Timestamp:     time.Now(),
	})
	flusher.Flush()

	replayCount := 0
	if lastID > 0 && lastID < seq {
		replay := s.hub.Replay(key, lastID)
		for _, event := range replay {
			if event.Seq > seq {
				break
			}
			_ = writeSSEvent(w, event)
			replayCount++
		}
		flusher.Flush()
	}

	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount, "tabs", len(view.Tabs))
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Seq <= seq {
				continue
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func storageKeyParam(r *http.Request) (schema.StorageKey, error) {
	raw := chi.URLParam(r, "key")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidStorageKey, err)
	}
	key := schema.StorageKey(decoded)
	if err := schema.ValidateStorageKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func outcomeStatus(outcome schema.CloseOutcome) int {
	switch outcome.Status {
	case schema.CloseStatusPending:
		return http.StatusAccepted
	case schema.CloseStatusDeclined:
		return http.StatusPreconditionFailed
	default:
		return http.StatusOK
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrInvalidStorageKey),
		errors.Is(err, schema.ErrInvalidChoice),
		errors.Is(err, schema.ErrUnknownOperation),
		errors.Is(err, schema.ErrIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrTabNotFound),
		errors.Is(err, schema.ErrDecisionNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrLimitExceeded),
		errors.Is(err, schema.ErrDuplicateTab),
		errors.Is(err, schema.ErrScratchOccupied):
		return http.StatusConflict
	case errors.Is(err, schema.ErrSessionDisposed):
		return http.StatusGone
	case errors.Is(err, schema.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(io.LimitReader(body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(body io.Reader, target any) error {
	data, err := io.ReadAll(io.LimitReader(body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return decodeJSON(bytes.NewReader(data), target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
