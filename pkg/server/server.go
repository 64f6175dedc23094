// Package server exposes the federation HTTP surface: the inbox
// endpoints guarded by rate limiting and signature authentication, the
// local actor documents, and the operator status and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"warren/pkg/actor"
	"warren/pkg/blocklist"
	"warren/pkg/config"
	"warren/pkg/crawler"
	"warren/pkg/delivery"
	"warren/pkg/inbox"
	"warren/pkg/keystore"
	"warren/pkg/metrics"
	"warren/pkg/supervisor"
)

// maxBodySize caps inbound activity bodies. Anything larger is not a
// plausible activity.
const maxBodySize = 5 << 20

// Deps carries the collaborators the server routes requests into.
type Deps struct {
	Controller *inbox.Controller
	Limiter    *inbox.RateLimiter
	Resolver   *actor.Resolver
	Keys       *keystore.Manager
	Crawlers   *crawler.Tracker
	Pool       *delivery.Pool
	Blocked    *blocklist.Cache
	Consumer   *supervisor.Supervisor
	Metrics    *metrics.NodeMetrics
}

// Server is the HTTP front of the node.
type Server struct {
	cfg     *config.Config
	deps    Deps
	logger  *zap.Logger
	started time.Time
	httpSrv *http.Server
}

// New creates the server. It does not bind until Start.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		started: time.Now(),
	}
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observeCrawlers)

	r.Post("/inbox", s.handleSharedInbox)
	r.Post("/sharedInbox", s.handleSharedInbox)
	r.Post("/users/{nickname}/inbox", s.handleUserInbox)

	// Actor documents, signed-fetch gated in secure mode.
	r.Group(func(r chi.Router) {
		if s.cfg.SecureMode {
			r.Use(s.requireSignedGet)
		}
		r.Get("/actor", s.handleInstanceActor)
		r.Get("/users/{nickname}", s.handleUserActor)
	})

	// Operator surface, never signature-gated.
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	r.Get("/api/v1/status", s.handleStatus)

	return r
}

// Start binds and serves until Shutdown. A bind failure is the only
// fatal outcome.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Federation server listening",
		zap.String("address", s.cfg.ListenAddress),
		zap.String("domain", s.cfg.LocalDomain),
		zap.Bool("secure_mode", s.cfg.SecureMode))

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("federation server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleSharedInbox(w http.ResponseWriter, r *http.Request) {
	s.handleInbox(w, r, "")
}

func (s *Server) handleUserInbox(w http.ResponseWriter, r *http.Request) {
	s.handleInbox(w, r, chi.URLParam(r, "nickname"))
}

// handleInbox runs the boundary checks in order: rate limit, body read,
// signature authentication, then admission.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request, nickname string) {
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitedTotal.Inc()
		}
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if !s.authenticate(r, body) {
		http.Error(w, "signature verification failed", http.StatusForbidden)
		return
	}

	result := s.deps.Controller.Admit(r.Context(), nickname, body, r.Header, r.URL.Path)
	switch result {
	case inbox.Accepted:
		w.WriteHeader(http.StatusCreated)
	case inbox.RejectedBusy:
		http.Error(w, "try again later", http.StatusServiceUnavailable)
	default:
		http.Error(w, "rejected", http.StatusBadRequest)
	}
}

func (s *Server) handleInstanceActor(w http.ResponseWriter, r *http.Request) {
	s.writeActor(w, delivery.WildcardAccount, "Application",
		fmt.Sprintf("https://%s/actor", s.cfg.LocalDomain),
		fmt.Sprintf("https://%s/inbox", s.cfg.LocalDomain))
}

func (s *Server) handleUserActor(w http.ResponseWriter, r *http.Request) {
	nickname := chi.URLParam(r, "nickname")
	s.writeActor(w, nickname, "Person",
		fmt.Sprintf("https://%s/users/%s", s.cfg.LocalDomain, nickname),
		fmt.Sprintf("https://%s/users/%s/inbox", s.cfg.LocalDomain, nickname))
}

// writeActor publishes the actor document remote verifiers fetch our
// public keys from.
func (s *Server) writeActor(w http.ResponseWriter, accountKey, actorType, id, inboxURL string) {
	pem, err := s.deps.Keys.PublicKeyPEM(accountKey)
	if err != nil {
		s.logger.Error("Failed to load account key",
			zap.String("account", accountKey),
			zap.Error(err))
		http.Error(w, "key unavailable", http.StatusInternalServerError)
		return
	}

	doc := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":          id,
		"type":        actorType,
		"inbox":       inboxURL,
		"sharedInbox": fmt.Sprintf("https://%s/sharedInbox", s.cfg.LocalDomain),
		"publicKey": map[string]interface{}{
			"id":           s.deps.Keys.KeyID(accountKey),
			"owner":        id,
			"publicKeyPem": pem,
		},
	}
	if actorType == "Person" {
		doc["preferredUsername"] = accountKey
	}

	w.Header().Set("Content-Type", "application/activity+json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Warn("Failed to write actor document", zap.Error(err))
	}
}

// Status is the snapshot served to the operator CLI.
type Status struct {
	Domain         string    `json:"domain"`
	Uptime         string    `json:"uptime"`
	QueueDepth     int       `json:"queue_depth"`
	ActiveWorkers  int       `json:"active_workers"`
	ConsumerState  string    `json:"consumer_state"`
	ConsumerResets int64     `json:"consumer_restarts"`
	BlocklistSize  int       `json:"blocklist_size"`
	BlocklistAt    time.Time `json:"blocklist_refreshed_at"`
	ActorCacheSize int       `json:"actor_cache_size"`
	CrawlerRecords int       `json:"crawler_records"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Domain: s.cfg.LocalDomain,
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Controller != nil {
		st.QueueDepth = s.deps.Controller.Queue().Len()
	}
	if s.deps.Pool != nil {
		st.ActiveWorkers = s.deps.Pool.ActiveWorkers()
	}
	if s.deps.Consumer != nil {
		st.ConsumerState = s.deps.Consumer.State().String()
		st.ConsumerResets = s.deps.Consumer.Restarts()
	}
	if s.deps.Blocked != nil {
		st.BlocklistSize = s.deps.Blocked.Size()
		st.BlocklistAt = s.deps.Blocked.LastRefreshedAt()
	}
	if s.deps.Resolver != nil {
		st.ActorCacheSize = s.deps.Resolver.CacheSize()
	}
	if s.deps.Crawlers != nil {
		st.CrawlerRecords = s.deps.Crawlers.Len()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Warn("Failed to write status", zap.Error(err))
	}
}

// observeCrawlers records the caller's user agent for the retention
// tracker.
func (s *Server) observeCrawlers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Crawlers != nil {
			s.deps.Crawlers.Observe(r.UserAgent())
		}
		next.ServeHTTP(w, r)
	})
}
