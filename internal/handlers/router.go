package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes bundles everything the router mounts.
type Routes struct {
	Predict   *PredictHandler
	History   *HistoryHandler
	Stream    *StreamHandler
	Dashboard *DashboardHandler
	WebSocket http.HandlerFunc
	Metrics   http.Handler
	Ready     http.HandlerFunc
}

// NewRouter builds the service's HTTP routes.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	r.Get("/", Health)
	r.Get("/ping", Ping)
	if rt.Ready != nil {
		r.Get("/ready", rt.Ready)
	} else {
		r.Get("/ready", Ready(nil))
	}

	r.Post("/predict", rt.Predict.Predict)
	r.Post("/predict/batch", rt.Predict.PredictBatch)

	r.Route("/api", func(api chi.Router) {
		api.Get("/model", rt.History.GetModel)
		api.Get("/history", rt.History.GetHistory)
		api.Get("/stats", rt.History.GetStats)
		api.Get("/stream/events", rt.Stream.HandleSSE)
	})

	r.Route("/dashboard", func(d chi.Router) {
		d.Get("/", rt.Dashboard.Index)
		d.Post("/predict", rt.Dashboard.Predict)
		d.Post("/batch", rt.Dashboard.Batch)
	})

	r.Get("/ws", rt.WebSocket)
	r.Handle("/metrics", rt.Metrics)
	return r
}

// corsMiddleware allows browser clients from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
