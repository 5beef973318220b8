package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"chatsync/internal/media"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/ws"
)

// Deps are the collaborators the router wires into its handlers.
type Deps struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Tokens        *security.TokenService
	Hub           *ws.Hub
	// Storage receives uploads. Local additionally serves them back and may be
	// the same object.
	Storage     media.Storage
	Local       *media.LocalStorage
	CORSOrigins []string
	Log         zerolog.Logger
}

// NewRouter constructs the main HTTP router and wires routes, services, and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := d.Log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
		})
	})

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(AuthMiddleware(d.Tokens))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", handleCreateConversation(d.Conversations))
			r.Get("/", handleListConversations(d.Conversations))
			r.Get("/{conversationID}", handleGetConversation(d.Conversations))
			r.Post("/{conversationID}/read", handleMarkConversationRead(d.Messages))
			r.Get("/{conversationID}/messages", handleListMessages(d.Messages))
			r.Post("/{conversationID}/messages", handleCreateMessage(d.Messages))
			r.Post("/{conversationID}/messages/{messageID}/status", handleUpdateStatus(d.Messages))
		})

		if d.Storage != nil {
			r.Mount("/uploads", UploadRoutes(d.Storage, d.Local))
		}
	})

	// The stream outlives the request timeout.
	r.Get("/ws", ws.MakeHandler(d.Hub, d.Tokens, d.CORSOrigins, d.Log))

	return r
}
