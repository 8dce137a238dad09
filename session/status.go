package session

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"

	"github.com/bringyour/remoteblock/connect"
)

type ServerStatus struct {
	StartTime    time.Time `json:"start_time"`
	Uptime       string    `json:"uptime"`
	SessionCount int       `json:"session_count"`
}

// NewRouter serves the websocket endpoint and the status endpoints:
//
//	GET /ws             upgrade and run a session
//	GET /status         server summary
//	GET /sessions       all running sessions
//	GET /sessions/{id}  one running session
func NewRouter(server *Server) chi.Router {
	startTime := time.Now()

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/ws", server.HandleWs)

	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, &ServerStatus{
			StartTime:    startTime,
			Uptime:       time.Since(startTime).Round(time.Second).String(),
			SessionCount: server.SessionCount(),
		})
	})

	router.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, server.Sessions())
	})

	router.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := connect.ParseId(chi.URLParam(r, "id"))
		if err != nil {
			writeJson(w, http.StatusBadRequest, map[string]string{
				"error": "Bad session id.",
			})
			return
		}
		for _, status := range server.Sessions() {
			if status.Id == id {
				writeJson(w, http.StatusOK, status)
				return
			}
		}
		writeJson(w, http.StatusNotFound, map[string]string{
			"error": "Session not found.",
		})
	})

	return router
}

func writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(1).Infof("[s]write status = %s\n", err)
	}
}
