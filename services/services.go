// Package services tracks the runtime services workflow steps call and
// issues their HTTP requests. The registry is the in-process view of the
// platform's service catalog; the invoker paces outbound calls per service
// and resolves secret references in headers.
package services

import (
	"strings"
	"sync"
	"time"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
)

// Health states reported by the platform for a registered service.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type (
	// Service is one registered runtime service.
	Service struct {
		Slug      string    `json:"slug"`
		Name      string    `json:"name,omitempty"`
		BaseURL   string    `json:"baseUrl"`
		Status    string    `json:"status"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// Registry is the in-process service catalog.
	Registry struct {
		clock clock.Clock
		mu    sync.RWMutex
		byID  map[string]*Service
	}
)

// NewRegistry builds an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	return &Registry{clock: clk, byID: make(map[string]*Service)}
}

// Register adds or replaces a service by slug.
func (r *Registry) Register(svc Service) error {
	svc.Slug = strings.TrimSpace(svc.Slug)
	if svc.Slug == "" {
		return apperr.New(apperr.KindValidation, "service slug is required")
	}
	if svc.BaseURL == "" {
		return apperr.New(apperr.KindValidation, "service base URL is required")
	}
	if svc.Status == "" {
		svc.Status = StatusHealthy
	}
	svc.UpdatedAt = r.clock.Now()
	r.mu.Lock()
	cp := svc
	r.byID[svc.Slug] = &cp
	r.mu.Unlock()
	return nil
}

// Get returns the service for a slug.
func (r *Registry) Get(slug string) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.byID[slug]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "service %q is not registered", slug)
	}
	cp := *svc
	return &cp, nil
}

// SetStatus updates the health status of a service.
func (r *Registry) SetStatus(slug, status string) error {
	switch status {
	case StatusHealthy, StatusDegraded, StatusUnhealthy:
	default:
		return apperr.New(apperr.KindValidation, "unknown service status %q", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.byID[slug]
	if !ok {
		return apperr.New(apperr.KindNotFound, "service %q is not registered", slug)
	}
	svc.Status = status
	svc.UpdatedAt = r.clock.Now()
	return nil
}

// List returns every registered service.
func (r *Registry) List() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.byID))
	for _, svc := range r.byID {
		cp := *svc
		out = append(out, &cp)
	}
	return out
}

// CheckAvailable enforces a step's health requirement against the service.
func CheckAvailable(svc *Service, requireHealthy, allowDegraded bool) error {
	if !requireHealthy {
		return nil
	}
	switch svc.Status {
	case StatusHealthy:
		return nil
	case StatusDegraded:
		if allowDegraded {
			return nil
		}
	}
	return apperr.New(apperr.KindServiceUnhealthy, "service %q is %s", svc.Slug, svc.Status)
}
