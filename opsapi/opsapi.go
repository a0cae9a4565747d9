// Package opsapi exposes read-only operational endpoints for a running relay.
package opsapi

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	outbox "github.com/velmie/outbox-dispatch"
	"github.com/velmie/outbox-dispatch/breaker"
	"github.com/velmie/outbox-dispatch/logging"
)

// ErrStoreRequired is returned when no store is configured.
var ErrStoreRequired = errors.New("opsapi: store is required")

// StoreProbe is the part of the outbox store the endpoints read.
type StoreProbe interface {
	outbox.MetricsReader
	Ping(ctx context.Context) error
}

// BreakerStates reads circuit snapshots.
type BreakerStates interface {
	State(ctx context.Context, service string) (breaker.Snapshot, error)
}

// Config wires the endpoint dependencies.
type Config struct {
	Store    StoreProbe
	Breakers BreakerStates
	// Services lists the circuit names reported by GET /breakers.
	Services []string
	// Timeout bounds each backend call. Defaults to 5s.
	Timeout time.Duration
	Logger  logging.Logger
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	Pending                 int64   `json:"pending"`
	Published               int64   `json:"published"`
	Failed                  int64   `json:"failed"`
	OldestPendingAgeSeconds float64 `json:"oldest_pending_age_seconds"`
}

// BreakerResponse is one element of GET /breakers.
type BreakerResponse struct {
	Service     string     `json:"service"`
	Status      string     `json:"status"`
	Requests    uint32     `json:"requests"`
	Failures    uint32     `json:"failures"`
	FailureRate float64    `json:"failure_rate"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handlers struct {
	cfg Config
}

// New builds the fiber application serving /healthz, /metrics and /breakers.
func New(cfg Config) (*fiber.App, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Logger = logging.OrNop(cfg.Logger)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "outbox-relay",
	})

	h := &handlers{cfg: cfg}
	app.Get("/healthz", h.health)
	app.Get("/metrics", h.metrics)
	app.Get("/breakers", h.breakers)

	return app, nil
}

func (h *handlers) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.cfg.Timeout)
	defer cancel()

	if err := h.cfg.Store.Ping(ctx); err != nil {
		h.cfg.Logger.Warn("outbox health check failed", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: err.Error()})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handlers) metrics(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.cfg.Timeout)
	defer cancel()

	m, err := h.cfg.Store.Metrics(ctx)
	if err != nil {
		h.cfg.Logger.Error("outbox metrics query failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}

	return c.JSON(MetricsResponse{
		Pending:                 m.Pending,
		Published:               m.Published,
		Failed:                  m.Failed,
		OldestPendingAgeSeconds: m.OldestPendingAge.Seconds(),
	})
}

func (h *handlers) breakers(c *fiber.Ctx) error {
	out := make([]BreakerResponse, 0, len(h.cfg.Services))
	if h.cfg.Breakers == nil {
		return c.JSON(out)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.cfg.Timeout)
	defer cancel()

	for _, service := range h.cfg.Services {
		snap, err := h.cfg.Breakers.State(ctx, service)
		if err != nil {
			out = append(out, BreakerResponse{Service: service, Error: err.Error()})
			continue
		}
		resp := BreakerResponse{
			Service:     service,
			Status:      string(snap.Status),
			Requests:    snap.Requests,
			Failures:    snap.Failures,
			FailureRate: snap.FailureRate(),
		}
		if resp.Status == "" {
			resp.Status = string(breaker.StatusClosed)
		}
		if !snap.OpenedAt.IsZero() {
			openedAt := snap.OpenedAt.UTC()
			resp.OpenedAt = &openedAt
		}
		out = append(out, resp)
	}

	return c.JSON(out)
}
