// Package api exposes the ticketing operations over HTTP. Every response is
// wrapped in the same envelope; the caller is identified by the X-User-ID
// header.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ticketing/internal/blockchain"
	"ticketing/internal/config"
	"ticketing/internal/credential"
	"ticketing/internal/logger"
	"ticketing/internal/settlement"
	"ticketing/internal/storage"
)

type Users interface {
	CreateUser(user *storage.User) error
	GetUser(id string) (*storage.User, error)
}

type Credentials interface {
	RequestMasterCredential(ctx context.Context, userID, name string) (*storage.User, error)
	Authorize(ctx context.Context, userID, eventName string) (credential.Authorization, error)
}

type Cipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

type Tickets interface {
	Buy(ctx context.Context, userID, eventName string, numTickets int, payment float64) (blockchain.Receipt, error)
	UseTicket(ctx context.Context, userID, eventName string, numTickets int) (blockchain.Ack, error)
	Resell(ctx context.Context, userID, eventName string, numTickets int, price float64) (string, error)
	Rebuy(ctx context.Context, userID, eventName string, numTickets int, price float64) (string, error)
	Settle(ctx context.Context) (settlement.BatchReport, error)
	HandleResales(ctx context.Context, userID string) (blockchain.Ack, error)
	ReadEvent(ctx context.Context) (blockchain.EventState, error)
	InitEvent(ctx context.Context, userID string, spec blockchain.EventSpec) (blockchain.Ack, error)
}

type Values interface {
	List(ctx context.Context) ([]blockchain.Entry, error)
}

type Observer interface {
	ObserveRequest(route string, status int, elapsed time.Duration)
	ObserveRateLimited()
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, time.Duration) {}
func (nopObserver) ObserveRateLimited()                       {}

type Dependencies struct {
	Users       Users
	Credentials Credentials
	Cipher      Cipher
	Tickets     Tickets
	Values      Values
	Observer    Observer
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

type Server struct {
	users       Users
	credentials Credentials
	cipher      Cipher
	tickets     Tickets
	values      Values
	observer    Observer
	metrics     http.Handler
	limiters    *clientLimiters
	log         *zap.Logger
}

func NewServer(cfg config.HTTP, deps Dependencies) *Server {
	s := &Server{
		users:       deps.Users,
		credentials: deps.Credentials,
		cipher:      deps.Cipher,
		tickets:     deps.Tickets,
		values:      deps.Values,
		observer:    deps.Observer,
		metrics:     deps.Metrics,
		limiters:    newClientLimiters(cfg.RateLimit, cfg.RateBurst),
		log:         logger.Named("api"),
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID, s.instrument, s.recoverPanics)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Post("/users", s.handleCreateUser)
		r.Get("/users/{id}", s.handleGetUser)

		r.Route("/dkg", func(r chi.Router) {
			r.Post("/issue-master-credential", s.handleIssueMasterCredential)
			r.Post("/auth-event-tx", s.handleAuthEventTx)
			r.Post("/encrypt", s.handleEncrypt)
			r.Post("/decrypt", s.handleDecrypt)
		})

		r.Route("/sc", func(r chi.Router) {
			r.Route("/event", func(r chi.Router) {
				r.Post("/buy", s.handleBuy)
				r.Post("/use-ticket", s.handleUseTicket)
				r.Post("/resell", s.handleSubmit(settlement.Resell))
				r.Post("/rebuy", s.handleSubmit(settlement.Rebuy))
				r.Post("/settle", s.handleSettle)
				r.Post("/handle-resales", s.handleHandleResales)
				r.Post("/init", s.handleInitEvent)
				r.Get("/read", s.handleReadEvent)
			})
			r.Get("/value/list", s.handleListValues)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}

// caller returns the user id of the request, answering 401 when missing.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(userHeader)
	if id == "" {
		writeError(w, r, http.StatusUnauthorized, "MISSING_USER", "missing "+userHeader+" header")
		return "", false
	}
	return id, true
}
