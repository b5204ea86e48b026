package adminhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fedotovmax/relay"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readyTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type DeadLetters interface {
	List(ctx context.Context, limit int, afterSeq int64) ([]*relay.Event, error)
	Get(ctx context.Context, id string) (*relay.Event, error)
	Replay(ctx context.Context, id string) error
}

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func success(data interface{}) *Response {
	return &Response{Status: "success", Data: data}
}

func failure(message string) *Response {
	return &Response{Status: "error", Message: message}
}

type eventView struct {
	ID            string     `json:"id"`
	Seq           int64      `json:"seq"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Payload       []byte     `json:"payload"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	LastError     string     `json:"last_error,omitempty"`
	LockOwner     string     `json:"lock_owner,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
}

func toView(ev *relay.Event) eventView {
	v := eventView{
		ID:            ev.ID,
		Seq:           ev.Seq,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		Payload:       ev.Payload,
		Status:        ev.Status.String(),
		AttemptCount:  ev.AttemptCount,
		NextAttemptAt: ev.NextAttemptAt,
		CreatedAt:     ev.CreatedAt,
		LastError:     ev.LastError,
		LockOwner:     ev.LockOwner,
	}
	if !ev.LockExpiresAt.IsZero() {
		t := ev.LockExpiresAt
		v.LockExpiresAt = &t
	}
	return v
}

type deadLetterPage struct {
	Events  []eventView `json:"events"`
	NextSeq int64       `json:"next_seq,omitempty"`
}

type Handler struct {
	log      *slog.Logger
	dead     DeadLetters
	ready    Pinger
	registry *prometheus.Registry
}

func NewHandler(l *slog.Logger, dead DeadLetters, ready Pinger, registry *prometheus.Registry) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		log:      l,
		dead:     dead,
		ready:    ready,
		registry: registry,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
	}

	if h.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
	}

	dead := r.Group("/v1/dead-letters")
	{
		dead.GET("", h.ListDeadLetters)
		dead.GET("/:id", h.GetDeadLetter)
		dead.POST("/:id/replay", h.ReplayDeadLetter)
	}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		if err := h.ready.Ping(ctx); err != nil {
			h.log.Warn("readiness check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "DOWN",
				"reason": "ledger connection failed",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, failure("limit must be an integer"))
		return
	}

	afterSeq, err := queryInt(c, "after_seq")
	if err != nil || afterSeq < 0 {
		c.JSON(http.StatusBadRequest, failure("after_seq must be a non-negative integer"))
		return
	}

	events, err := h.dead.List(c.Request.Context(), int(limit), afterSeq)
	if err != nil {
		h.writeError(c, err)
		return
	}

	page := deadLetterPage{Events: make([]eventView, 0, len(events))}
	for _, ev := range events {
		page.Events = append(page.Events, toView(ev))
	}
	if n := len(events); n > 0 {
		page.NextSeq = events[n-1].Seq
	}

	c.JSON(http.StatusOK, success(page))
}

func (h *Handler) GetDeadLetter(c *gin.Context) {
	ev, err := h.dead.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, success(toView(ev)))
}

func (h *Handler) ReplayDeadLetter(c *gin.Context) {
	id := c.Param("id")

	if err := h.dead.Replay(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, success(gin.H{"id": id, "status": relay.StatusPending.String()}))
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		c.JSON(http.StatusNotFound, failure("dead letter not found"))
	case errors.Is(err, relay.ErrLedgerUnavailable):
		h.log.Error("ledger request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, failure("ledger unavailable"))
	default:
		h.log.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, failure("internal error"))
	}
}

func queryInt(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
