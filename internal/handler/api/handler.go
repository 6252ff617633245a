// Package api exposes the engine over HTTP: record queries, source
// control, vault key management, engine status and the live websocket
// stream.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"MarketPull/internal/adapter"
	"MarketPull/internal/domain/repository"
	"MarketPull/internal/orchestrator"
	"MarketPull/internal/service/cache"
	"MarketPull/internal/service/hub"
	"MarketPull/internal/service/ratelimit"
	"MarketPull/internal/service/vault"
	xhttp "MarketPull/pkg/http"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// Deps carries everything the handler serves from.
type Deps struct {
	Store   repository.Storage
	Cache   *cache.Cache
	Sources *orchestrator.Orchestrator
	Vault   *vault.Vault
	Limiter *ratelimit.Limiter
	Hub     *hub.Hub
	Clock   clock.Clock
	Logger  *logger.Logger

	// StreamBuffer is the per-websocket queue depth; zero falls back
	// to the hub default.
	StreamBuffer int
}

// Handler implements the engine's HTTP surface.
type Handler struct {
	store   repository.Storage
	cache   *cache.Cache
	sources *orchestrator.Orchestrator
	vault   *vault.Vault
	limiter *ratelimit.Limiter
	hub     *hub.Hub
	clk     clock.Clock
	lgr     *logger.Logger

	streamBuffer int
}

var _ xhttp.Handler = (*Handler)(nil)

func NewHandler(d Deps) *Handler {
	return &Handler{
		store:        d.Store,
		cache:        d.Cache,
		sources:      d.Sources,
		vault:        d.Vault,
		limiter:      d.Limiter,
		hub:          d.Hub,
		clk:          d.Clock,
		lgr:          d.Logger,
		streamBuffer: d.StreamBuffer,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/stream", h.Stream)

	g := e.Group("/api/v1")
	g.GET("/bars/:symbol", h.Bars)
	g.GET("/news", h.News)
	g.GET("/filings/:symbol", h.Filings)
	g.GET("/status", h.Status)
	g.POST("/sources/:name", h.SetSource)
	g.GET("/keys", h.Keys)
	g.POST("/keys", h.PutKey)
	g.DELETE("/keys/:service", h.RemoveKey)
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Health reports liveness with a real status code so load balancers
// can probe it: 200 when storage answers and no source is degraded,
// 503 otherwise.
func (h *Handler) Health(c echo.Context) error {
	resp := healthResponse{Status: "ok", Components: map[string]string{"storage": "ok"}}

	if err := h.store.Health(c.Request().Context()); err != nil {
		resp.Status = "degraded"
		resp.Components["storage"] = err.Error()
	}
	for _, st := range h.sources.Statuses() {
		if st.State != adapter.StateDegraded {
			continue
		}
		resp.Status = "degraded"
		resp.Components["source:"+st.Name] = st.LastError
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

type rateLimitStatus struct {
	Provider     string  `json:"provider"`
	Capacity     float64 `json:"capacity"`
	RefillPerSec float64 `json:"refill_per_sec"`
	Tokens       float64 `json:"tokens"`
}

type subscriberStatus struct {
	ID      uint64 `json:"id"`
	Queued  int    `json:"queued"`
	Dropped uint64 `json:"dropped"`
}

type hubStatus struct {
	Subscribers []subscriberStatus `json:"subscribers"`
}

type vaultSummary struct {
	Configured bool `json:"configured"`
	Locked     bool `json:"locked"`
}

type statusResponse struct {
	Sources    []adapter.Status  `json:"sources"`
	RateLimits []rateLimitStatus `json:"rate_limits"`
	Hub        hubStatus         `json:"hub"`
	Vault      vaultSummary      `json:"vault"`
}

// Status is the operator view: source FSM states, limiter buckets, hub
// subscriptions and whether the vault is usable.
func (h *Handler) Status(c echo.Context) error {
	resp := statusResponse{
		Sources: h.sources.Statuses(),
		Vault:   vaultSummary{Configured: h.vault.Configured(), Locked: h.vault.Locked()},
	}
	for _, b := range h.limiter.Status() {
		resp.RateLimits = append(resp.RateLimits, rateLimitStatus{
			Provider:     b.Provider,
			Capacity:     b.Capacity,
			RefillPerSec: b.RefillPerSec,
			Tokens:       b.Tokens,
		})
	}
	subs := h.hub.Stats()
	resp.Hub.Subscribers = make([]subscriberStatus, 0, len(subs))
	for _, s := range subs {
		resp.Hub.Subscribers = append(resp.Hub.Subscribers, subscriberStatus{
			ID:      s.ID,
			Queued:  s.Queued,
			Dropped: s.Dropped,
		})
	}
	return xhttp.SuccessResponse(c, resp)
}

type setSourceRequest struct {
	Name    string `param:"name" validate:"required"`
	Enabled *bool  `json:"enabled" validate:"required"`
}

// SetSource flips one source's enable flag.
func (h *Handler) SetSource(c echo.Context) error {
	req := &setSourceRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	if err := h.sources.SetSourceEnabled(req.Name, *req.Enabled); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownSource) {
			return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no source named %q", req.Name))
		}
		h.lgr.Error("source toggle failed", logger.String("source", req.Name), logger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}

	for _, st := range h.sources.Statuses() {
		if st.Name == req.Name {
			return xhttp.SuccessResponse(c, st)
		}
	}
	return xhttp.SuccessResponse(c, nil)
}

type keyStatus struct {
	Service   string     `json:"service"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	Validity  string     `json:"validity,omitempty"`
}

type keysResponse struct {
	Configured bool        `json:"configured"`
	Locked     bool        `json:"locked"`
	Services   []keyStatus `json:"services"`
}

// Keys lists stored credentials by service. Secret material never
// leaves the vault.
func (h *Handler) Keys(c echo.Context) error {
	resp := keysResponse{
		Configured: h.vault.Configured(),
		Locked:     h.vault.Locked(),
		Services:   []keyStatus{},
	}
	for _, s := range h.vault.Status() {
		ks := keyStatus{Service: s.Service, CreatedAt: s.CreatedAt, Validity: s.Validity}
		if !s.LastUsed.IsZero() {
			t := s.LastUsed
			ks.LastUsed = &t
		}
		resp.Services = append(resp.Services, ks)
	}
	return xhttp.SuccessResponse(c, resp)
}

type putKeyRequest struct {
	Service string `json:"service" validate:"required"`
	Key     string `json:"key" validate:"required"`
}

// PutKey stores or replaces one provider credential.
func (h *Handler) PutKey(c echo.Context) error {
	req := &putKeyRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	if err := h.vault.Put(req.Service, []byte(req.Key)); err != nil {
		return h.vaultError(c, err)
	}
	h.lgr.Info("vault key stored", logger.String("service", req.Service))
	return xhttp.SuccessResponse(c, map[string]string{"service": req.Service})
}

type removeKeyRequest struct {
	Service string `param:"service" validate:"required"`
}

// RemoveKey deletes one provider credential.
func (h *Handler) RemoveKey(c echo.Context) error {
	req := &removeKeyRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	if err := h.vault.Remove(req.Service); err != nil {
		return h.vaultError(c, err)
	}
	h.lgr.Info("vault key removed", logger.String("service", req.Service))
	return xhttp.NoContentResponse(c)
}

func (h *Handler) vaultError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, vault.ErrLocked):
		return xhttp.AppErrorResponse(c,
			xhttp.NewAppError("ERR_VAULT_LOCKED", "", "vault is locked", http.StatusConflict))
	case errors.Is(err, vault.ErrNotConfigured):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("service not configured"))
	default:
		h.lgr.Error("vault operation failed", logger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
}
