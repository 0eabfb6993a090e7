package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func SetupRoutes(router *mux.Router, handler *Handler) {
	router.HandleFunc("/healthz", handler.Health).Methods(http.MethodGet)
	router.HandleFunc("/readyz", handler.Health).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/runs", handler.GetRuns).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/jobs/{id}", handler.GetJob).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/jobs/{id}", handler.UpdateSpec).Methods(http.MethodPut)
	router.HandleFunc("/api/v1/jobs/{id}/run", handler.RunNow).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/jobs/{id}/enable", handler.Enable).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/jobs/{id}/disable", handler.Disable).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/jobs/{id}/next", handler.Preview).Methods(http.MethodGet)
}
