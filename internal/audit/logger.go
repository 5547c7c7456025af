// Package audit records request and decision events.
package audit

import (
	"context"
	"time"

	"github.com/org/iamcore/internal/ids"
	"github.com/org/iamcore/internal/storage"
	"github.com/org/iamcore/pkg/models"
	"github.com/rs/zerolog/log"
)

// Logger writes structured audit entries.
type Logger struct {
	store storage.Store
}

// NewLogger creates an audit Logger over the given store.
func NewLogger(store storage.Store) *Logger {
	return &Logger{store: store}
}

// LogRequest records an API request and its authorization outcome.
// Audit failures are logged but never break the request flow.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	entry.ID = ids.New()
	entry.Timestamp = time.Now().UTC()
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("path", entry.Path).Msg("audit write failed")
	}
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}
