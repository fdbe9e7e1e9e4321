package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lucreale/florence/internal/config"
	"github.com/lucreale/florence/internal/conversation"
	"github.com/lucreale/florence/internal/history"
	"github.com/lucreale/florence/internal/observability"
	"github.com/lucreale/florence/internal/telephony"
)

// Dialer starts an outbound call on the voice platform.
type Dialer interface {
	CreateCall(ctx context.Context, req telephony.CreateCallRequest) (telephony.CreateCallResponse, error)
}

type Server struct {
	cfg      config.Config
	registry *conversation.Registry
	dialer   Dialer
	store    history.Store
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, registry *conversation.Registry, dialer Dialer, store history.Store, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		dialer:   dialer,
		store:    store,
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/webhook", s.handleWebhook)
	r.Post("/api/calls", s.handleCreateCall)
	r.Get("/api/conversations", s.handleListConversations)
	r.Get("/api/conversations/{id}/state", s.handleConversationState)
	r.Get("/api/conversations/{id}/turns", s.handleConversationTurns)
	r.Get("/api/conversations/ws", s.handleConversationFeed)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"active_conversations": s.registry.ActiveCount(),
	})
}

// handleWebhook receives platform call events. It always answers 200 for
// events it can parse: the platform retries non-2xx responses, and a
// replayed hang or transcript does more harm than a dropped one.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	ev, err := telephony.ParseEvent(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if strings.TrimSpace(ev.CallID) == "" {
		respondError(w, http.StatusBadRequest, "missing_call_id", "event carries no call id")
		return
	}

	if !ev.Known() {
		s.log.Info().
			Str("type", string(ev.Type)).
			Str("call_id", ev.CallID).
			Msg("unknown webhook event type")
	}

	conv := s.registry.Ensure(ev.CallID)
	res := conv.HandleEvent(r.Context(), ev)
	if res == nil {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type createCallRequest struct {
	PhoneNumber  string         `json:"phone_number"`
	CustomerName string         `json:"customer_name,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		respondError(w, http.StatusBadRequest, "missing_phone_number", "phone_number is required")
		return
	}

	resp, err := s.dialer.CreateCall(r.Context(), telephony.CreateCallRequest{
		PhoneNumber:  req.PhoneNumber,
		CustomerName: req.CustomerName,
		Metadata:     req.Metadata,
	})
	if err != nil {
		if errors.Is(err, telephony.ErrNotConfigured) {
			respondError(w, http.StatusServiceUnavailable, "dialer_unavailable", err.Error())
			return
		}
		s.log.Error().Err(err).Msg("outbound call failed")
		respondError(w, http.StatusBadGateway, "call_failed", err.Error())
		return
	}

	s.registry.Ensure(resp.CallID)
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"conversations": s.registry.Snapshots(),
	})
}

func (s *Server) handleConversationState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}

	conv, err := s.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, conv.Snapshot())
}

// handleConversationTurns returns the persisted transcript of a call,
// oldest turn first.
func (s *Server) handleConversationTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "history_unavailable", "turn history is not configured")
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	turns, err := s.store.RecentTurns(r.Context(), id, limit)
	if err != nil {
		s.log.Error().Err(err).Str("call_id", id).Msg("turn history query failed")
		respondError(w, http.StatusInternalServerError, "history_failed", "could not load turn history")
		return
	}
	if turns == nil {
		turns = []history.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// handleConversationFeed streams conversation snapshots over a websocket
// so an operator dashboard can watch live calls.
func (s *Server) handleConversationFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	interval := s.cfg.MonitorTick
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Reads are drained only to spot the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 10)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeSnapshots(conn); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := s.writeSnapshots(conn); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSnapshots(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(map[string]any{
		"conversations": s.registry.Snapshots(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
