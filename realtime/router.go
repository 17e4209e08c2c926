package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// Router serves the socket endpoint and a health probe for the realtime
// listener.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.Handle).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.orch.Stats(),
		"online":   len(s.orch.OnlinePlayers()),
	})
}
