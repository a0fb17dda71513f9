package api

import "net/http"

type shadowResponse struct {
	TaskID int64 `json:"taskId"`
	simulationResponse
}

func (s *Server) handleSimulatorState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleSimulatorSync(w http.ResponseWriter, r *http.Request) {
	if err := s.syncer.Sync(r.Context()); err != nil {
		writeDomainError(w, s.logger, "sync tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) snapshot() []shadowResponse {
	states := s.simulator.Snapshot()
	res := make([]shadowResponse, 0, len(states))
	for _, state := range states {
		res = append(res, shadowResponse{TaskID: state.TaskID, simulationResponse: simulationToResponse(state)})
	}
	return res
}
