package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the HTTP router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors(h.deps.AllowedOrigins))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/staff-units", h.ListStaffUnits)
			r.Post("/bootstrap", h.Bootstrap)

			r.Route("/calls", func(r chi.Router) {
				r.Post("/", h.InitiateCall)
				r.Get("/current", h.CurrentCall)
				r.Post("/end", h.EndCall)
				r.Post("/cancel", h.CancelCall)
				r.Post("/retry", h.RetryCall)
				r.Put("/status", h.UpdateCallStatus)
				r.Get("/history", h.CallHistory)
			})

			r.Get("/chat/messages", h.ChatTranscript)
			r.Post("/chat/messages", h.SendChatMessage)
		})
	})

	if h.deps.Hub != nil {
		r.Get("/ws", h.deps.Hub.ServeHTTP)
	}

	return r
}

// cors answers preflight requests and sets allow headers for the kiosk UI
func cors(allowed []string) func(http.Handler) http.Handler {
	all := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			all = true
		}
		set[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (all || set[origin]) {
				if all {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
