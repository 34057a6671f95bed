package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/casereview/bus"
	"github.com/c360studio/casereview/message"
	"github.com/c360studio/casereview/state"
	"github.com/c360studio/casereview/storage"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// caseIndexPrefix keys the case-id to conversation-id index records.
const caseIndexPrefix = "case-"

// Server exposes the review API over HTTP.
type Server struct {
	agentID     string
	extractorID string
	bus         bus.Bus
	store       storage.Store
	states      *state.Manager
	logger      *slog.Logger
}

// NewServer creates the HTTP surface for case submission and status.
func NewServer(agentID, extractorID string, b bus.Bus, store storage.Store, states *state.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		agentID:     agentID,
		extractorID: extractorID,
		bus:         b,
		store:       store,
		states:      states,
		logger:      logger.With("agent", agentID),
	}
}

// RegisterHTTPHandlers registers all review handlers under the given prefix.
// The prefix should be the path segment without a trailing slash (e.g.
// "api/reviews"). Handlers are registered as:
//
//	POST <prefix>
//	GET  <prefix>/{id}
//	GET  /healthz
//	GET  /metrics
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc(prefix, s.handleSubmit)
	mux.HandleFunc(prefix+"/", s.handleStatus(prefix+"/"))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

// SubmitRequest is the request body for POST /api/reviews.
type SubmitRequest struct {
	// CaseID identifies the compliance case under review.
	CaseID string `json:"case_id"`

	// FilePath points at the transaction source file (CSV or JSON).
	FilePath string `json:"file_path"`
}

// SubmitResponse is the response body for POST /api/reviews.
type SubmitResponse struct {
	CaseID         string `json:"case_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// handleSubmit creates the workflow state for a case and sends it to the
// extractor. The response is 202: the pipeline completes asynchronously.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.CaseID == "" {
		http.Error(w, "case_id is required", http.StatusBadRequest)
		return
	}
	if req.FilePath == "" {
		http.Error(w, "file_path is required", http.StatusBadRequest)
		return
	}

	conversationID := uuid.New().String()

	if _, err := s.states.CreateInitial(r.Context(), req.CaseID, req.FilePath, conversationID); err != nil {
		s.logger.Error("Failed to create workflow state", "case_id", req.CaseID, "error", err)
		http.Error(w, "Failed to create workflow state", http.StatusInternalServerError)
		return
	}

	// Index the case id so GET can resolve either identifier.
	index := map[string]any{
		"case_id":         req.CaseID,
		"conversation_id": conversationID,
	}
	if err := s.store.SaveTask(r.Context(), s.agentID, caseIndexPrefix+req.CaseID, index); err != nil {
		s.logger.Error("Failed to index case", "case_id", req.CaseID, "error", err)
		http.Error(w, "Failed to index case", http.StatusInternalServerError)
		return
	}

	env := message.NewEnvelope(uuid.New().String(), message.RoleUser,
		"Review case "+req.CaseID, conversationID, uuid.New().String())
	wrapper := message.NewWrapper(env, s.agentID, s.extractorID, map[string]any{
		"case_id":   req.CaseID,
		"file_path": req.FilePath,
		"action":    "extract_transactions",
	})
	if err := s.bus.Send(r.Context(), wrapper); err != nil {
		s.logger.Error("Failed to dispatch case", "case_id", req.CaseID, "error", err)
		http.Error(w, "Failed to dispatch case", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Case submitted",
		"case_id", req.CaseID,
		"conversation_id", conversationID,
		"file", req.FilePath)

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		CaseID:         req.CaseID,
		ConversationID: conversationID,
		Status:         "submitted",
	})
}

// handleStatus serves GET <prefix>/{id} where id is a conversation id or a
// case id. The workflow state record is returned as-is.
func (s *Server) handleStatus(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := strings.TrimPrefix(r.URL.Path, prefix)
		if id == "" || strings.Contains(id, "/") {
			http.Error(w, "review id is required", http.StatusBadRequest)
			return
		}

		record, err := s.lookup(r, id)
		if errors.Is(err, state.ErrStateNotFound) {
			http.Error(w, "review not found: "+id, http.StatusNotFound)
			return
		}
		if err != nil {
			s.logger.Error("Status lookup failed", "id", id, "error", err)
			http.Error(w, "Status lookup failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, record)
	}
}

// lookup resolves id as a conversation id first, then through the case index.
func (s *Server) lookup(r *http.Request, id string) (map[string]any, error) {
	record, err := s.states.Load(r.Context(), id)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, state.ErrStateNotFound) {
		return nil, err
	}

	index, err := s.store.GetTask(r.Context(), s.agentID, caseIndexPrefix+id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, state.ErrStateNotFound
		}
		return nil, err
	}
	conversationID, _ := index["conversation_id"].(string)
	return s.states.Load(r.Context(), conversationID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to recover.
		_ = err
	}
}
