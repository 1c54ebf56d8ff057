package admin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/circuitbreaker"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/outbox"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ErrStoreRequired is returned when New has no store to inspect.
var ErrStoreRequired = errors.New("outbox store is required")

// Handler serves the operator endpoints over an outbox store.
type Handler struct {
	store      outbox.Store
	breakers   *circuitbreaker.Manager
	logger     libLog.Logger
	production bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger libLog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithCircuitBreakers exposes breaker states on /v1/circuit-breakers.
func WithCircuitBreakers(breakers *circuitbreaker.Manager) Option {
	return func(h *Handler) {
		h.breakers = breakers
	}
}

// WithProduction hides error details from logs.
func WithProduction(production bool) Option {
	return func(h *Handler) {
		h.production = production
	}
}

// New builds a Fiber app exposing health, stats and dead-letter operations.
func New(store outbox.Store, opts ...Option) (*fiber.App, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	h := &Handler{store: store, logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          h.errorHandler,
	})

	app.Use(fiberrecover.New())

	h.Register(app)

	return app, nil
}

// Register mounts the admin routes on router.
func (h *Handler) Register(router fiber.Router) {
	router.Get("/health", h.health)

	v1 := router.Group("/v1")
	v1.Get("/outbox/stats", h.stats)
	v1.Get("/dead-letters", h.listDeadLetters)
	v1.Get("/dead-letters/:id", h.getDeadLetter)
	v1.Post("/dead-letters/:id/replay", h.replayDeadLetter)
	v1.Get("/circuit-breakers", h.circuitBreakers)
}

func (h *Handler) errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return writeError(c, fiberErr.Code, "request_failed", fiberErr.Message)
	}

	libLog.SafeError(h.logger, c.UserContext(), "admin request failed", err, h.production,
		libLog.String("path", c.Path()))

	return internalError(c)
}

func (h *Handler) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	if _, err := h.store.CountByStatus(ctx); err != nil {
		libLog.SafeError(h.logger, ctx, "health check failed", err, h.production)
		return serviceUnavailable(c)
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

// StatsResponse is the body of /v1/outbox/stats.
type StatsResponse struct {
	Counts map[outbox.Status]int64 `json:"counts"`
	Total  int64                   `json:"total"`
}

func (h *Handler) stats(c *fiber.Ctx) error {
	counts, err := h.store.CountByStatus(c.UserContext())
	if err != nil {
		return err
	}

	resp := StatsResponse{Counts: make(map[outbox.Status]int64, len(outbox.AllStatuses))}

	for _, status := range outbox.AllStatuses {
		resp.Counts[status] = counts[status]
		resp.Total += counts[status]
	}

	return c.JSON(resp)
}

// DeadLetterResponse is the wire form of a dead letter.
type DeadLetterResponse struct {
	ID            string          `json:"id"`
	OutboxID      string          `json:"outboxId"`
	EventName     string          `json:"eventName"`
	SourceModule  string          `json:"sourceModule"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	MaxRetries    int             `json:"maxRetries"`
	RetryHistory  string          `json:"retryHistory"`
	FailureReason string          `json:"failureReason"`
	TenantID      string          `json:"tenantId,omitempty"`
	FailedAt      time.Time       `json:"failedAt"`
}

func toDeadLetterResponse(dl *outbox.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		ID:            dl.ID.String(),
		OutboxID:      dl.OutboxID.String(),
		EventName:     dl.EventName,
		SourceModule:  dl.SourceModule,
		Payload:       dl.Payload,
		Attempts:      dl.Attempts,
		MaxRetries:    dl.MaxRetries,
		RetryHistory:  dl.RetryHistory,
		FailureReason: dl.FailureReason,
		TenantID:      dl.TenantID,
		FailedAt:      dl.FailedAt,
	}
}

func (h *Handler) listDeadLetters(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		return badRequest(c, "invalid_limit", "limit must be between 1 and 500")
	}

	items, err := h.store.ListDeadLetters(c.UserContext(), limit)
	if err != nil {
		return err
	}

	out := make([]DeadLetterResponse, 0, len(items))
	for _, dl := range items {
		out = append(out, toDeadLetterResponse(dl))
	}

	return c.JSON(fiber.Map{"items": out, "limit": limit})
}

func (h *Handler) getDeadLetter(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid_id", "id must be a valid UUID")
	}

	dl, err := h.store.GetDeadLetter(c.UserContext(), id)
	if errors.Is(err, outbox.ErrDeadLetterNotFound) {
		return notFound(c, "dead_letter_not_found", "dead letter not found")
	}

	if err != nil {
		return err
	}

	return c.JSON(toDeadLetterResponse(dl))
}

func (h *Handler) replayDeadLetter(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid_id", "id must be a valid UUID")
	}

	rec, err := h.store.ReplayDeadLetter(c.UserContext(), id)
	if errors.Is(err, outbox.ErrDeadLetterNotFound) {
		return notFound(c, "dead_letter_not_found", "dead letter not found")
	}

	if err != nil {
		return err
	}

	h.logger.Log(c.UserContext(), libLog.LevelInfo, "dead letter replayed",
		libLog.String("dead_letter_id", id.String()),
		libLog.OutboxID(rec.ID),
		libLog.EventName(rec.EventName))

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"outboxId":  rec.ID.String(),
		"eventName": rec.EventName,
		"status":    rec.Status,
	})
}

func (h *Handler) circuitBreakers(c *fiber.Ctx) error {
	if h.breakers == nil {
		return c.JSON(fiber.Map{"breakers": map[string]circuitbreaker.State{}})
	}

	return c.JSON(fiber.Map{"breakers": h.breakers.States()})
}
