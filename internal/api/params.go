package api

import (
	"net/http"

	"github.com/sweepd/sweepd/internal/params"
)

// listParamsResponse is the JSON response for GET /v1/params.
type listParamsResponse struct {
	Params []params.Info `json:"params"`
}

func (s *Server) handleListParams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listParamsResponse{Params: s.params.List()})
}
