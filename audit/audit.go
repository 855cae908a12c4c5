// Package audit records security-sensitive operations in the append-only
// audit log. The core is a passive writer: callers name the actor and
// action, and entries are never updated or deleted.
package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
)

// Recorder appends audit entries.
type Recorder struct {
	store  store.AuditStore
	clock  clock.Clock
	logger telemetry.Logger
}

// NewRecorder builds a recorder over the audit store.
func NewRecorder(s store.AuditStore, clk clock.Clock, logger telemetry.Logger) (*Recorder, error) {
	if s == nil {
		return nil, fmt.Errorf("audit: store is required")
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Recorder{store: s, clock: clk, logger: logger}, nil
}

// Record appends one entry. Actor and action are required; the id and
// timestamp are assigned here.
func (r *Recorder) Record(ctx context.Context, actor, action, subject string, details map[string]any) error {
	actor = strings.TrimSpace(actor)
	action = strings.TrimSpace(action)
	if actor == "" {
		return apperr.New(apperr.KindValidation, "audit actor is required")
	}
	if action == "" {
		return apperr.New(apperr.KindValidation, "audit action is required")
	}
	entry := &store.AuditEntry{
		ID:      clock.NewID(),
		Actor:   actor,
		Action:  action,
		Subject: subject,
		Details: details,
		At:      r.clock.Now(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	r.logger.Debug(ctx, "audit.recorded", "actor", actor, "action", action, "subject", subject)
	return nil
}

// Recent returns the newest entries up to limit.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]*store.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListAudit(ctx, limit)
}
