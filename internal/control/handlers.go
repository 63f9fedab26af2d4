// File: internal/control/handlers.go
package control

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCommand decodes and dispatches a command. It answers 202 once the
// command is queued; the outcome arrives on the event stream.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	var req CommandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	name, status, err := s.dispatch(req)
	if err != nil {
		s.respondWithError(w, status, err.Error())
		return
	}
	s.respondWithStatus(w, http.StatusAccepted, "accepted", map[string]string{"command": name})
}

// dispatch is shared by the HTTP and WebSocket command paths. The status is
// the HTTP code matching the error.
func (s *Server) dispatch(req CommandRequest) (string, int, error) {
	cmd, err := orchestrator.DecodeCommand(req.Command, req.Params)
	if err != nil {
		return req.Command, http.StatusBadRequest, err
	}
	name := orchestrator.CommandName(cmd)
	s.logger.Info("Received command", zap.String("command", name))

	if err := s.ctrl.Dispatch(cmd); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrBusy) || errors.Is(err, orchestrator.ErrClosed) || errors.Is(err, orchestrator.ErrNotInitialized) {
			status = http.StatusServiceUnavailable
		}
		return name, status, err
	}
	return name, http.StatusAccepted, nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.respondWithStatus(w, http.StatusOK, "success", s.ctrl.Snapshot())
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.write(w, statusCode, CommandResponse{Status: "error", Error: message})
}

func (s *Server) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	s.write(w, statusCode, CommandResponse{Status: status, Data: data})
}

func (s *Server) write(w http.ResponseWriter, statusCode int, resp CommandResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
