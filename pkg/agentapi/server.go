// Package agentapi implements the Agent Protocol HTTP surface:
// registration, schedulability checks, event reporting, and command
// delivery, as seen by the software running on fuzzing nodes.
// go-chi/chi/v5 does the routing; handlers stay bare JSON in/out.
package agentapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/onefuzz/controlplane/pkg/auth"
	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/httpapi"
	"github.com/onefuzz/controlplane/pkg/metrics"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/repository"
)

// RegistrationTokenTTL is how long an issued work-queue credential and
// agent bearer token remain valid after Register.
const RegistrationTokenTTL = 24 * time.Hour

// Server implements the four Agent Protocol operations over the
// Repositories/Queue/Provider collaborators already wired by
// pkg/repository, pkg/queue, and pkg/cloud.
type Server struct {
	repos    *repository.Repositories
	queue    *queue.Queue
	issuer   *auth.Issuer
	provider cloud.Provider
	logger   zerolog.Logger

	cloudCallTimeout time.Duration

	limiters     sync.Map // machine_id -> *rate.Limiter
	limiterRPS   rate.Limit
	limiterBurst int
}

// New constructs a Server. limiterRPS/limiterBurst bound the
// per-machine request rate accepted on this surface; the protocol does not
// name a number, so a generous default (one request per second,
// bursting to 5) is used unless overridden. cloudCallTimeout bounds
// calls to provider made directly off an HTTP request (CanSchedule's
// scale-in protection acquisition, Events' CouldShrink check).
func New(repos *repository.Repositories, q *queue.Queue, issuer *auth.Issuer, provider cloud.Provider, cloudCallTimeout time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		repos:            repos,
		queue:            q,
		issuer:           issuer,
		provider:         provider,
		cloudCallTimeout: cloudCallTimeout,
		logger:           logger,
		limiterRPS:       rate.Limit(1),
		limiterBurst:     5,
	}
}

// contextWithTimeout derives a deadline-bounded context for a
// provider call made directly off an HTTP request. A non-positive
// timeout disables the deadline rather than firing immediately.
func contextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Routes mounts the Agent Protocol routes. Registration sits outside
// the agent-scope gate: a machine registering for the first time has
// no credential yet — it is registration that hands one out. Every
// other route requires the agent token so issued.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.rateLimit)

	mount := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return httpapi.InstrumentedHandler("agent", route, h)
	}

	r.Get("/agents/registration", mount("registration", s.handleGetRegistration))
	r.Post("/agents/registration", mount("registration", s.handlePostRegistration))

	authed := chi.NewRouter()
	authed.Post("/agents/can_schedule", mount("can_schedule", s.handleCanSchedule))
	authed.Post("/agents/events", mount("events", s.handleEvents))
	authed.Get("/agents/commands", mount("commands", s.handleGetCommands))
	authed.Delete("/agents/commands", mount("commands", s.handleDeleteCommands))

	if s.issuer != nil {
		r.Mount("/", s.issuer.RequireScope(auth.ScopeAgent, authed))
	} else {
		r.Mount("/", authed)
	}
	return r
}

// rateLimit enforces a per-machine-id token bucket on the routes that
// carry machine_id as a query parameter (registration, commands). The
// two body-bearing routes (can_schedule, events) apply the same check
// themselves once the body is decoded, since consuming the request
// body here would leave nothing for the handler to read.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		machineID := r.URL.Query().Get("machine_id")
		if machineID != "" && !s.allow(machineID) {
			metrics.AgentRateLimited.WithLabelValues(r.URL.Path).Inc()
			httpapi.WriteError(w, http.StatusTooManyRequests, httpapi.CodeInvalidRequest, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow reports whether machineID's token bucket has capacity, and
// consumes one token if so.
func (s *Server) allow(machineID string) bool {
	return s.limiterFor(machineID).Allow()
}

func (s *Server) limiterFor(machineID string) *rate.Limiter {
	l, _ := s.limiters.LoadOrStore(machineID, rate.NewLimiter(s.limiterRPS, s.limiterBurst))
	return l.(*rate.Limiter)
}
