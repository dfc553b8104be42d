// Package webconsole serves an HTTP administration API for a running
// framework: bundles can be listed, installed, started, stopped and
// uninstalled, and registered services can be queried with LDAP filters.
package webconsole

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/osgi"
)

// Console routes admin requests to a framework.
type Console struct {
	fw      *osgi.Framework
	logger  osgi.Logger
	metrics http.Handler
	router  *chi.Mux
}

// Option configures a Console.
type Option func(*Console)

// WithMetrics mounts h under GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(c *Console) { c.metrics = h }
}

// WithLogger overrides the framework's logger for request logs.
func WithLogger(l osgi.Logger) Option {
	return func(c *Console) {
		if l != nil {
			c.logger = l
		}
	}
}

// BundleInfo is the JSON view of a bundle.
type BundleInfo struct {
	ID           int64          `json:"id"`
	SymbolicName string         `json:"symbolicName"`
	Version      string         `json:"version"`
	Location     string         `json:"location"`
	State        string         `json:"state"`
	Autostart    string         `json:"autostart,omitempty"`
	LastModified time.Time      `json:"lastModified"`
	Headers      map[string]any `json:"headers,omitempty"`
	Registered   []int64        `json:"registeredServices,omitempty"`
	InUse        []int64        `json:"servicesInUse,omitempty"`
}

// ServiceInfo is the JSON view of a service reference.
type ServiceInfo struct {
	ID         int64          `json:"id"`
	Interfaces []string       `json:"objectClass"`
	Ranking    int            `json:"ranking"`
	BundleID   int64          `json:"bundleId"`
	Using      []int64        `json:"usingBundles,omitempty"`
	Properties map[string]any `json:"properties"`
}

type installRequest struct {
	Location string `json:"location"`
	Start    bool   `json:"start"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a console for fw.
func New(fw *osgi.Framework, opts ...Option) *Console {
	c := &Console{fw: fw, logger: fw.Logger()}
	for _, opt := range opts {
		opt(c)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(c.requestLogger)

	r.Route("/bundles", func(r chi.Router) {
		r.Get("/", c.listBundles)
		r.Post("/", c.installBundle)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", c.getBundle)
			r.Delete("/", c.uninstallBundle)
			r.Post("/start", c.startBundle)
			r.Post("/stop", c.stopBundle)
		})
	})
	r.Get("/services", c.listServices)
	if c.metrics != nil {
		r.Method(http.MethodGet, "/metrics", c.metrics)
	}
	c.router = r
	return c
}

// ServeHTTP implements http.Handler.
func (c *Console) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.router.ServeHTTP(w, r)
}

// Router returns the underlying chi router so callers can add routes.
func (c *Console) Router() chi.Router { return c.router }

func (c *Console) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		c.logger.Debug("Console request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}

func (c *Console) context(w http.ResponseWriter) (*osgi.BundleContext, bool) {
	ctx := c.fw.BundleContext()
	if ctx == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("framework is not running"))
		return nil, false
	}
	return ctx, true
}

func (c *Console) bundle(w http.ResponseWriter, r *http.Request) (*osgi.Bundle, bool) {
	ctx, ok := c.context(w)
	if !ok {
		return nil, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid bundle id %q", chi.URLParam(r, "id")))
		return nil, false
	}
	b, err := ctx.GetBundle(id)
	if err != nil {
		c.fail(w, err)
		return nil, false
	}
	return b, true
}

func (c *Console) listBundles(w http.ResponseWriter, _ *http.Request) {
	ctx, ok := c.context(w)
	if !ok {
		return
	}
	bundles, err := ctx.Bundles()
	if err != nil {
		c.fail(w, err)
		return
	}
	out := make([]BundleInfo, len(bundles))
	for i, b := range bundles {
		out[i] = summary(b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Console) getBundle(w http.ResponseWriter, r *http.Request) {
	b, ok := c.bundle(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, detail(b))
}

func (c *Console) installBundle(w http.ResponseWriter, r *http.Request) {
	ctx, ok := c.context(w)
	if !ok {
		return
	}
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Location == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"location": "..."}`))
		return
	}
	b, err := ctx.InstallBundle(req.Location)
	if err != nil {
		c.fail(w, err)
		return
	}
	if req.Start {
		if err := b.Start(); err != nil {
			c.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, detail(b))
}

func (c *Console) startBundle(w http.ResponseWriter, r *http.Request) {
	b, ok := c.bundle(w, r)
	if !ok {
		return
	}
	if err := b.Start(); err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary(b))
}

func (c *Console) stopBundle(w http.ResponseWriter, r *http.Request) {
	b, ok := c.bundle(w, r)
	if !ok {
		return
	}
	if err := b.Stop(); err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary(b))
}

func (c *Console) uninstallBundle(w http.ResponseWriter, r *http.Request) {
	b, ok := c.bundle(w, r)
	if !ok {
		return
	}
	if err := b.Uninstall(); err != nil {
		c.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Console) listServices(w http.ResponseWriter, r *http.Request) {
	ctx, ok := c.context(w)
	if !ok {
		return
	}
	q := r.URL.Query()
	refs, err := ctx.GetServiceReferences(q.Get("class"), q.Get("filter"))
	if err != nil {
		c.fail(w, err)
		return
	}
	out := make([]ServiceInfo, 0, len(refs))
	for _, ref := range refs {
		info := ServiceInfo{
			ID:         ref.ID(),
			Interfaces: ref.Interfaces(),
			Ranking:    ref.Ranking(),
			Properties: ref.Properties(),
			BundleID:   -1,
		}
		if b := ref.Bundle(); b != nil {
			info.BundleID = b.ID()
		}
		for _, u := range ref.UsingBundles() {
			info.Using = append(info.Using, u.ID())
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// fail maps framework errors onto HTTP statuses.
func (c *Console) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, osgi.ErrBundleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, osgi.ErrInvalidFilter), errors.Is(err, osgi.ErrInstall):
		status = http.StatusBadRequest
	case errors.Is(err, osgi.ErrState), errors.Is(err, osgi.ErrResolve):
		status = http.StatusConflict
	case errors.Is(err, osgi.ErrInvalidContext):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		c.logger.Error("Console request failed", "error", err)
	}
	writeError(w, status, err)
}

func summary(b *osgi.Bundle) BundleInfo {
	return BundleInfo{
		ID:           b.ID(),
		SymbolicName: b.SymbolicName(),
		Version:      b.Version(),
		Location:     b.Location(),
		State:        b.State().String(),
		Autostart:    b.Autostart().String(),
		LastModified: b.LastModified(),
	}
}

func detail(b *osgi.Bundle) BundleInfo {
	info := summary(b)
	info.Headers = map[string]any(b.Headers())
	for _, ref := range b.RegisteredServices() {
		info.Registered = append(info.Registered, ref.ID())
	}
	for _, ref := range b.ServicesInUse() {
		info.InUse = append(info.InUse, ref.ID())
	}
	return info
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
