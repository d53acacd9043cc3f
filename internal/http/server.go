package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nxtreasuryorg/treasuryflow/internal/log"
	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/service"
	"github.com/nxtreasuryorg/treasuryflow/pkg/storage"
	"github.com/pkg/errors"
)

// StartServer wires the handlers and serves until the listener fails.
func StartServer(port string, sched *service.Scheduler) error {
	mux := NewMux(sched)
	log.GetLogger().Infof("Starting TreasuryFlow server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

// NewMux builds the route table; exported so tests can serve it with httptest.
func NewMux(sched *service.Scheduler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/workflows", WorkflowsHandler(sched))
	mux.HandleFunc("/workflows/", WorkflowByIDHandler(sched))
	mux.HandleFunc("/gates/", GateDecisionHandler(sched))
	return mux
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "TreasuryFlow server is running")
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
}

type submitResponse struct {
	WorkflowID int64 `json:"workflow_id"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WorkflowsHandler serves GET /workflows (list) and POST /workflows (submit).
func WorkflowsHandler(sched *service.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			workflows, err := sched.ListWorkflows()
			if err != nil {
				log.GetLogger().Errorf("Failed to list workflows: %v", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, workflows)
		case http.MethodPost:
			var input models.TreasuryInput
			if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
				writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode submission"))
				return
			}
			id, err := sched.Submit(input)
			if err != nil {
				if errors.Is(err, service.ErrInvalidInput) {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				log.GetLogger().Errorf("Failed to submit workflow: %v", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusCreated, submitResponse{WorkflowID: id})
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// WorkflowByIDHandler serves GET /workflows/{id} (status) and
// POST /workflows/{id}/cancel.
func WorkflowByIDHandler(sched *service.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/workflows/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid workflow id"))
			return
		}

		if len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost {
			if err := sched.Cancel(id); err != nil {
				if errors.Is(err, service.ErrCancelRefused) {
					writeError(w, http.StatusConflict, err)
					return
				}
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
			return
		}

		if len(parts) != 1 || r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status, err := sched.GetStatus(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			log.GetLogger().Errorf("Failed to get status of workflow %d: %v", id, err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// GateDecisionHandler serves POST /gates/{id}/decision from the external HITL
// interface. Duplicate decisions are reported with 409 and leave the gate
// untouched.
func GateDecisionHandler(sched *service.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/gates/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		if len(parts) != 2 || parts[1] != "decision" || r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		gateID := parts[0]

		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode decision"))
			return
		}
		var decision models.GateDecision
		switch strings.ToLower(req.Decision) {
		case "approve":
			decision = models.ApproveDecision
		case "reject":
			decision = models.RejectDecision
		default:
			writeError(w, http.StatusBadRequest, errors.Errorf("unknown decision %q", req.Decision))
			return
		}

		if err := sched.Decision(gateID, decision, req.Actor); err != nil {
			if errors.Is(err, service.ErrGateAlreadyResolved) {
				writeError(w, http.StatusConflict, err)
				return
			}
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			log.GetLogger().Errorf("Failed to apply decision on gate %s: %v", gateID, err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}
