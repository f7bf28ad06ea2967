package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"CapIot.lorawan/internal/controller"
	"CapIot.lorawan/internal/middleware"
)

// Middlewares wraps route groups that need authentication.
type Middlewares struct {
	Session func(http.Handler) http.Handler
	Webhook func(http.Handler) http.Handler
}

// RegisterRoutes registers all application routes.
func RegisterRoutes(router *mux.Router, data *controller.DataController, auth *controller.AuthController, mw Middlewares) {
	router.Use(middleware.Metrics)

	api := router.PathPrefix("/api").Subrouter()

	// Ingest
	api.Handle("/ttn/uplink", mw.Webhook(http.HandlerFunc(data.HandleUplink))).Methods(http.MethodPost)

	// Query
	api.HandleFunc("/devices", data.HandleDevices).Methods(http.MethodGet)
	api.HandleFunc("/gateway", data.HandleGateways).Methods(http.MethodGet)
	api.HandleFunc("/readings", data.HandleReadings).Methods(http.MethodGet)
	api.HandleFunc("/readings/latest", data.HandleLatest).Methods(http.MethodGet)
	api.HandleFunc("/stream/{deviceID}", data.HandleStream).Methods(http.MethodGet)

	// Auth
	api.HandleFunc("/auth/login", auth.HandleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", auth.HandleLogout).Methods(http.MethodPost)
	api.Handle("/downlink", mw.Session(http.HandlerFunc(auth.HandleDownlink))).Methods(http.MethodPost)

	router.HandleFunc("/health", data.HandleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}
