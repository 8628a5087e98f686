package localnode

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// statusResponse is the read-only view of this controller's current state,
// exposed over GET /status for operators and monitoring to poll.
type statusResponse struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// StatusRouter builds a chi mux exposing a single read-only endpoint,
// GET /status, reporting this controller's current state and, if not
// Started, the reason why.
func (c *Controller) StatusRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", c.handleStatus)
	return r
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:  c.State().String(),
		Reason: c.NotCapableReason(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
