package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"vtt/internal/table"
)

// Server is the backend of record: it owns the SQLite store, the REST
// surface for tables, tokens, chat and dice rolls, and the per-table
// websocket relay that fans document deltas out to connected clients.
type Server struct {
	cfg             Config
	logger          *slog.Logger
	mux             *http.ServeMux
	store           *Store
	relay           *Relay
	allowedOrigins  []string
	allowAllOrigins bool
}

// New constructs a Server with routes and middleware configured.
func New(cfg Config) (*Server, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		mux:            http.NewServeMux(),
		store:          store,
		allowedOrigins: cfg.AllowedOrigins,
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}
	srv.relay = newRelay(logger, srv.checkOrigin)

	srv.routes()
	return srv, nil
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := ":" + s.cfg.Port
	s.logger.Info("starting server", slog.String("addr", addr))
	return http.ListenAndServe(addr, s.Router())
}

// Router returns the fully wrapped handler chain.
func (s *Server) Router() http.Handler {
	return s.withCORS(s.loggingMiddleware(s.mux))
}

// Close releases server resources.
func (s *Server) Close() error {
	return s.store.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/tables", s.handleTables)
	s.mux.HandleFunc("/tables/", s.handleTable)
	s.mux.HandleFunc("/ws/tables/", s.handleRelay)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	return nil
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows the websocket upgrader to take over the connection
// through the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Name) == "" {
			writeError(w, http.StatusBadRequest, "table name is required")
			return
		}
		tbl, err := s.store.createTable(r.Context(), payload.Name)
		if err != nil {
			s.logger.Error("create table", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to create table")
			return
		}
		writeJSON(w, http.StatusCreated, tbl)
	case http.MethodGet:
		tables, err := s.store.listTables(r.Context())
		if err != nil {
			s.logger.Error("list tables", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list tables")
			return
		}
		writeJSON(w, http.StatusOK, tables)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleTable routes /tables/{id}[/snapshot|/tokens[/{tokenId}]|/rolls|/chat].
func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tables/"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	tableID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "table not found")
		return
	}

	if len(parts) == 1 {
		s.handleTableByID(w, r, tableID)
		return
	}

	switch parts[1] {
	case "snapshot":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleSnapshot(w, r, tableID)
			return
		}
	case "tokens":
		if len(parts) == 2 {
			s.handleTokens(w, r, tableID)
			return
		}
		if len(parts) == 3 {
			s.handleTokenByID(w, r, tableID, parts[2])
			return
		}
	case "rolls":
		if len(parts) == 2 && r.Method == http.MethodPost {
			s.handleRoll(w, r, tableID)
			return
		}
	case "chat":
		if len(parts) == 2 {
			s.handleChat(w, r, tableID)
			return
		}
	}

	http.NotFound(w, r)
}

func (s *Server) handleTableByID(w http.ResponseWriter, r *http.Request, tableID int64) {
	switch r.Method {
	case http.MethodGet:
		tbl, err := s.store.getTable(r.Context(), tableID)
		if err != nil {
			s.writeStoreError(w, err, "get table")
			return
		}
		writeJSON(w, http.StatusOK, tbl)
	case http.MethodDelete:
		if err := s.store.deleteTable(r.Context(), tableID); err != nil {
			s.writeStoreError(w, err, "delete table")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, tableID int64) {
	snap, err := s.store.snapshot(r.Context(), tableID)
	if err != nil {
		s.writeStoreError(w, err, "snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request, tableID int64) {
	switch r.Method {
	case http.MethodGet:
		tokens, err := s.store.listTokens(r.Context(), tableID)
		if err != nil {
			s.writeStoreError(w, err, "list tokens")
			return
		}
		writeJSON(w, http.StatusOK, tokens)
	case http.MethodPost:
		var payload struct {
			Name  string  `json:"name"`
			X     float64 `json:"x"`
			Y     float64 `json:"y"`
			Color string  `json:"color"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Name) == "" {
			writeError(w, http.StatusBadRequest, "token name is required")
			return
		}
		tok, err := s.store.createToken(r.Context(), tableID, payload.Name, payload.X, payload.Y, payload.Color)
		if err != nil {
			s.writeStoreError(w, err, "create token")
			return
		}
		writeJSON(w, http.StatusCreated, tok)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTokenByID(w http.ResponseWriter, r *http.Request, tableID int64, tokenID string) {
	switch r.Method {
	case http.MethodPatch:
		var upd table.TokenUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
		if upd.Name == nil && upd.X == nil && upd.Y == nil && upd.Color == nil && upd.Locked == nil {
			writeError(w, http.StatusBadRequest, "missing fields")
			return
		}
		tok, err := s.store.updateToken(r.Context(), tableID, tokenID, upd)
		if err != nil {
			s.writeStoreError(w, err, "update token")
			return
		}
		writeJSON(w, http.StatusOK, tok)
	case http.MethodDelete:
		if err := s.store.deleteToken(r.Context(), tableID, tokenID); err != nil {
			s.writeStoreError(w, err, "delete token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRoll(w http.ResponseWriter, r *http.Request, tableID int64) {
	var payload struct {
		Expression string `json:"expression"`
		User       string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Expression) == "" {
		writeError(w, http.StatusBadRequest, "dice expression is required")
		return
	}

	roll, err := table.RollDice(payload.Expression)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := table.ChatMessage{
		Kind: table.KindRoll,
		Roll: roll,
		At:   roll.Timestamp,
		User: payload.User,
	}
	stored, err := s.store.appendChat(r.Context(), tableID, msg)
	if err != nil {
		s.writeStoreError(w, err, "append roll")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, tableID int64) {
	switch r.Method {
	case http.MethodGet:
		chat, err := s.store.listChat(r.Context(), tableID)
		if err != nil {
			s.writeStoreError(w, err, "list chat")
			return
		}
		writeJSON(w, http.StatusOK, chat)
	case http.MethodPost:
		var payload struct {
			Message string `json:"message"`
			User    string `json:"user"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Message) == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		msg := table.ChatMessage{
			Kind: table.KindText,
			Text: &table.TextMessage{Message: payload.Message},
			User: payload.User,
		}
		stored, err := s.store.appendChat(r.Context(), tableID, msg)
		if err != nil {
			s.writeStoreError(w, err, "append chat")
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/tables/"), "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		writeError(w, http.StatusNotFound, "table not found")
		return
	}
	tableID, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "table not found")
		return
	}
	if _, err := s.store.getTable(r.Context(), tableID); err != nil {
		s.writeStoreError(w, err, "relay lookup")
		return
	}

	s.relay.serve(w, r, tableID)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error(op, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
