package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"solana-buy-bot/internal/blockchain"
	"solana-buy-bot/internal/health"
	"solana-buy-bot/internal/storage"
	"solana-buy-bot/internal/tracker"
)

const (
	DefaultRateLimit = 20
	recentBuysLimit  = 20
	apiKeyHeader     = "X-API-Key"
)

// MintStore is the tracked-address store exposed over HTTP
type MintStore interface {
	AddMint(ctx context.Context, address, addedBy string) (bool, error)
	RemoveMint(ctx context.Context, address string) (bool, error)
	ListMints(ctx context.Context) ([]string, error)
}

// BuyHistory returns recently delivered buys
type BuyHistory interface {
	GetRecentBuys(ctx context.Context, limit int) ([]*storage.BuyLog, error)
}

// Tracker exposes scheduler progress
type Tracker interface {
	States() map[string]tracker.MintStatus
	LastCycle() (tracker.CycleReport, time.Time)
	Config() tracker.Config
}

// Health exposes the latest component checks
type Health interface {
	GetStatuses() []health.Status
	Healthy() bool
}

// Deps are what the server reads from. Any of them may be nil.
type Deps struct {
	Mints    MintStore
	Buys     BuyHistory
	Tracker  Tracker
	Health   Health
	Metrics  *tracker.Metrics
	Gatherer prometheus.Gatherer
}

// Config configures the HTTP listener
type Config struct {
	Host string
	Port int

	// APIKey guards mint mutations when set
	APIKey string

	// RateLimit is the per-client request budget per second
	RateLimit int
}

// Server serves health, metrics, status and mint management
type Server struct {
	app  *fiber.App
	deps Deps
	cfg  Config
}

// NewServer creates a new API server
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimit,
		Expiration: time.Second,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limited"})
		},
	}))

	s := &Server{
		app:  app,
		deps: deps,
		cfg:  cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/status", s.handleStatus)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.app.Get("/mints", s.handleListMints)
	s.app.Post("/mints", s.requireKey, s.handleAddMint)
	s.app.Delete("/mints/:address", s.requireKey, s.handleRemoveMint)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := "ok"
	var components []health.Status
	if s.deps.Health != nil {
		components = s.deps.Health.GetStatuses()
		if !s.deps.Health.Healthy() {
			status = "degraded"
		}
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"time":       time.Now().Unix(),
		"components": components,
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	out := fiber.Map{"time": time.Now().Unix()}

	if t := s.deps.Tracker; t != nil {
		report, at := t.LastCycle()
		cfg := t.Config()
		out["tracker"] = fiber.Map{
			"poll_interval_seconds": cfg.PollInterval.Seconds(),
			"signature_limit":       cfg.SignatureLimit,
			"workers":               cfg.Workers,
			"last_cycle_at":         at,
			"last_cycle": fiber.Map{
				"mints":       report.Mints,
				"delivered":   report.Delivered,
				"failed":      report.Failed,
				"duration_ms": report.Duration.Milliseconds(),
			},
		}
		out["mints"] = t.States()
	}

	if m := s.deps.Metrics; m != nil {
		out["cycle_latency_ms"] = fiber.Map{
			"p50": m.P50(),
			"p95": m.P95(),
			"avg": m.Avg(),
		}
	}

	if s.deps.Buys != nil {
		buys, err := s.deps.Buys.GetRecentBuys(c.UserContext(), recentBuysLimit)
		if err != nil {
			log.Error().Err(err).Msg("failed to load recent buys")
		} else {
			out["recent_buys"] = buys
		}
	}

	if s.deps.Health != nil {
		out["health"] = s.deps.Health.GetStatuses()
	}

	return c.JSON(out)
}

type mintPayload struct {
	Address string `json:"address"`
}

func (s *Server) handleListMints(c *fiber.Ctx) error {
	if s.deps.Mints == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "mint store unavailable"})
	}
	mints, err := s.deps.Mints.ListMints(c.UserContext())
	if err != nil {
		log.Error().Err(err).Msg("failed to list mints")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store error"})
	}
	if mints == nil {
		mints = []string{}
	}
	return c.JSON(fiber.Map{"mints": mints})
}

func (s *Server) handleAddMint(c *fiber.Ctx) error {
	if s.deps.Mints == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "mint store unavailable"})
	}

	var payload mintPayload
	if err := c.BodyParser(&payload); err != nil {
		log.Error().Err(err).Msg("failed to parse mint payload")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if err := blockchain.ValidateAddress(payload.Address); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": blockchain.Describe(err)})
	}

	added, err := s.deps.Mints.AddMint(c.UserContext(), payload.Address, "api")
	if err != nil {
		log.Error().Err(err).Str("mint", payload.Address).Msg("failed to add mint")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store error"})
	}
	if !added {
		return c.JSON(fiber.Map{"status": "already_tracked", "address": payload.Address})
	}

	log.Info().Str("mint", payload.Address).Msg("mint added via api")
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "added", "address": payload.Address})
}

func (s *Server) handleRemoveMint(c *fiber.Ctx) error {
	if s.deps.Mints == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "mint store unavailable"})
	}

	address := c.Params("address")
	if err := blockchain.ValidateAddress(address); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": blockchain.Describe(err)})
	}

	removed, err := s.deps.Mints.RemoveMint(c.UserContext(), address)
	if err != nil {
		log.Error().Err(err).Str("mint", address).Msg("failed to remove mint")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store error"})
	}
	if !removed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not tracked"})
	}

	log.Info().Str("mint", address).Msg("mint removed via api")
	return c.JSON(fiber.Map{"status": "removed", "address": address})
}

func (s *Server) requireKey(c *fiber.Ctx) error {
	if s.cfg.APIKey == "" {
		return c.Next()
	}
	got := c.Get(apiKeyHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	return c.Next()
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	log.Info().Str("addr", addr).Msg("starting api server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
