package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/catalog"
	"github.com/nidhogg/nuka-skills/internal/center"
	"github.com/nidhogg/nuka-skills/internal/metrics"
	"github.com/nidhogg/nuka-skills/internal/skill"
)

// Request headers carrying the caller identity.
const (
	HeaderTenant = "X-Tenant-ID"
	HeaderUser   = "X-User-ID"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	userKey
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc     *center.Service
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *center.Service, m *metrics.Collector, logger *zap.Logger) *Handler {
	return &Handler{
		svc:     svc,
		metrics: m,
		logger:  logger.With(zap.String("component", "api")),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderTenant, HeaderUser},
		AllowCredentials: true,
	}))
	r.Use(h.instrument)

	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)

			r.Get("/skills/catalog", h.getCatalog)
			r.Post("/skills", h.createSkill)
			r.Post("/skills/{skillKey}/versions", h.createVersion)
			r.Post("/skills/{skillKey}/versions/{version}/publish", h.publishVersion)
			r.Post("/skills/{skillKey}/enabled", h.setSkillEnabled)

			r.Post("/skills/bindings/upsert", h.upsertBinding)
			r.Post("/skills/bindings/{id}/disable", h.disableBinding)

			r.Post("/skills/runtime/reconcile", h.reconcile)
			r.Get("/skills/runtime/mounts", h.listMounts)

			r.Post("/skills/parse-debug", h.parseDebug)
		})
	})

	return r
}

// instrument counts requests by route pattern once routing has happened.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveHTTP(r.Method, route, status)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(HeaderTenant)
		if tenant == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + HeaderTenant + " header", Code: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenant)
		ctx = context.WithValue(ctx, userKey, r.Header.Get(HeaderUser))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(r *http.Request) string {
	v, _ := r.Context().Value(tenantKey).(string)
	return v
}

func actorFrom(r *http.Request) string {
	v, _ := r.Context().Value(userKey).(string)
	return v
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cat, err := h.svc.Catalog(r.Context(), catalog.Request{
		TenantID:   tenantFrom(r),
		AgentScope: q.Get("agentScope"),
		Capability: q.Get("capability"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (h *Handler) createSkill(w http.ResponseWriter, r *http.Request) {
	var in center.CreateSkillInput
	if !decode(w, r, &in) {
		return
	}
	def, err := h.svc.CreateSkill(r.Context(), tenantFrom(r), actorFrom(r), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (h *Handler) createVersion(w http.ResponseWriter, r *http.Request) {
	var in center.CreateVersionInput
	if !decode(w, r, &in) {
		return
	}
	v, err := h.svc.CreateVersion(r.Context(), tenantFrom(r), actorFrom(r), chi.URLParam(r, "skillKey"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) publishVersion(w http.ResponseWriter, r *http.Request) {
	var in center.PublishInput
	if !decodeOptional(w, r, &in) {
		return
	}
	res, err := h.svc.PublishVersion(r.Context(), tenantFrom(r), actorFrom(r),
		chi.URLParam(r, "skillKey"), chi.URLParam(r, "version"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type enabledRequest struct {
	Enabled   bool            `json:"enabled"`
	ScopeType skill.ScopeType `json:"scopeType"`
	ScopeID   string          `json:"scopeId"`
}

func (h *Handler) setSkillEnabled(w http.ResponseWriter, r *http.Request) {
	var in enabledRequest
	if !decode(w, r, &in) {
		return
	}
	def, err := h.svc.SetSkillEnabled(r.Context(), tenantFrom(r), chi.URLParam(r, "skillKey"), in.Enabled, in.ScopeType, in.ScopeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *Handler) upsertBinding(w http.ResponseWriter, r *http.Request) {
	var in center.BindingInput
	if !decode(w, r, &in) {
		return
	}
	b, err := h.svc.UpsertBinding(r.Context(), tenantFrom(r), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) disableBinding(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.DisableBinding(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	var in center.ReconcileInput
	if !decodeOptional(w, r, &in) {
		return
	}
	res, err := h.svc.Reconcile(r.Context(), tenantFrom(r), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listMounts(w http.ResponseWriter, r *http.Request) {
	mounts, err := h.svc.ListMounts(r.Context(), tenantFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mounts": mounts})
}

func (h *Handler) parseDebug(w http.ResponseWriter, r *http.Request) {
	var in center.ParseInput
	if !decode(w, r, &in) {
		return
	}
	res, err := h.svc.ParseDebug(r.Context(), tenantFrom(r), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := skill.ErrorStatus(err)
	msg := "internal error"
	if e, ok := skill.AsError(err); ok {
		msg = e.Message
	} else if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: msg, Code: skill.ErrorCode(err)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error(), Code: skill.CodeInvalidRequest})
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error(), Code: skill.CodeInvalidRequest})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
