package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/renvo/renvo-agent/internal/agent"
	"github.com/renvo/renvo-agent/internal/agent/turnstore"
	"github.com/renvo/renvo-agent/internal/auditlog"
	"github.com/renvo/renvo-agent/internal/lockfile"
	"github.com/renvo/renvo-agent/internal/push"
)

// server is the thin HTTP surface over the execution core. One request drives
// one cycle; the core serializes cycles per thread on its own.
type server struct {
	log     *slog.Logger
	core    *agent.Service
	catalog *agent.Catalog
	store   *turnstore.Store
	push    *push.Client
	audit   *auditlog.Store
	lock    *lockfile.Lock

	srv *http.Server
}

func (s *server) Close() {
	if s == nil {
		return
	}
	if s.core != nil {
		s.core.Close()
	}
	if s.push != nil {
		s.push.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.lock != nil {
		_ = s.lock.Release()
	}
}

// recordAudit appends one trail entry; a failed cycle records the reason.
func (s *server) recordAudit(action string, sess agent.Session, res agent.Result, err error) {
	if s.audit == nil {
		return
	}
	e := auditlog.Entry{
		Action:       action,
		ThreadKey:    sess.Ref.Key(),
		ConnectionID: sess.ConnectionID,
		PublicUser:   sess.PublicUser,
	}
	switch {
	case err != nil:
		e.Status = "failure"
		e.Error = err.Error()
	case !res.Success:
		e.Status = "failure"
		if reason, ok := res.Output.(string); ok {
			e.Error = reason
		}
	default:
		e.Status = "success"
	}
	s.audit.Append(e)
}

func (s *server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", s.handleChat)
	mux.HandleFunc("/api/v1/act", s.handleAct)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/audit", s.handleAudit)
	mux.HandleFunc("/api/v1/healthz", s.handleHealth)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type threadParams struct {
	Portfolio    string `json:"portfolio"`
	Org          string `json:"org"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Thread       string `json:"thread"`
	ConnectionID string `json:"connection_id,omitempty"`
	PublicUser   string `json:"public_user,omitempty"`
}

func (p threadParams) session() agent.Session {
	return agent.Session{
		Ref: agent.ThreadRef{
			Portfolio:  p.Portfolio,
			Org:        p.Org,
			EntityType: p.EntityType,
			EntityID:   p.EntityID,
			ThreadID:   p.Thread,
		},
		ConnectionID: p.ConnectionID,
		PublicUser:   p.PublicUser,
	}
}

type chatRequest struct {
	threadParams
	Message string `json:"message"`
	NoTools bool   `json:"no_tools,omitempty"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sess := req.session()
	if !sess.Ref.Valid() || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "missing thread coordinates or message", http.StatusBadRequest)
		return
	}

	res, err := s.core.HandleUserMessage(r.Context(), sess, req.Message, agent.InterpretRequest{
		NoTools: req.NoTools,
		Actions: s.catalog.Actions,
		Tools:   s.catalog.Tools,
	})
	if err != nil {
		s.log.Warn("chat cycle failed", "thread", sess.Ref.Key(), "error", err)
	}
	s.recordAudit("message_handled", sess, res, err)
	writeJSON(w, res)
}

func (s *server) handleAct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req threadParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sess := req.session()
	if !sess.Ref.Valid() {
		http.Error(w, "missing thread coordinates", http.StatusBadRequest)
		return
	}

	res, err := s.core.ExecuteTool(r.Context(), sess, s.catalog.Tools)
	if err != nil {
		s.log.Warn("act cycle failed", "thread", sess.Ref.Key(), "error", err)
	}
	s.recordAudit("tool_executed", sess, res, err)
	writeJSON(w, res)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		threadParams
		Filter *agent.HistoryFilter `json:"filter,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ref := req.session().Ref
	if !ref.Valid() {
		http.Error(w, "missing thread coordinates", http.StatusBadRequest)
		return
	}

	history, err := s.core.MessageHistory(r.Context(), ref, req.Filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"messages": history})
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.audit.List(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"entries": entries})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ok": true, "version": Version})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
