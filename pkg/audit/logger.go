package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/contextkeys"
)

// Recorder appends audit entries
type Recorder interface {
	// Record appends entry. Implementations fill ID when they assign one.
	Record(ctx context.Context, entry *Entry) error
}

// Reader queries audit entries
type Reader interface {
	ListEntries(ctx context.Context, filter Filter) ([]Entry, error)
}

// Actor identifies who performed an administrative request
type Actor struct {
	UserID    int64
	IPAddress string
	UserAgent string
	RequestID string
}

// WithActor adds the acting user to the context
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, contextkeys.AuditActorKey, actor)
}

// ActorFromContext retrieves the acting user from context
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(contextkeys.AuditActorKey).(Actor)
	return actor, ok
}

// ActorFromRequest builds an Actor from the request's network details
func ActorFromRequest(r *http.Request, userID int64) Actor {
	return Actor{
		UserID:    userID,
		IPAddress: ClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: contextkeys.GetRequestID(r.Context()),
	}
}

// ClientIP returns the originating client address. The first X-Forwarded-For
// hop wins, then X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewEntry creates an entry stamped with the actor found in ctx
func NewEntry(ctx context.Context, action Action) *Entry {
	entry := &Entry{
		Action:    action,
		Details:   map[string]any{},
		CreatedAt: time.Now().UTC(),
	}
	if actor, ok := ActorFromContext(ctx); ok {
		entry.ActorUserID = Int64(actor.UserID)
		entry.IPAddress = actor.IPAddress
		entry.UserAgent = actor.UserAgent
		entry.RequestID = actor.RequestID
	}
	if entry.RequestID == "" {
		entry.RequestID = contextkeys.GetRequestID(ctx)
	}
	return entry
}

// NoopRecorder discards entries
type NoopRecorder struct{}

// Record does nothing
func (NoopRecorder) Record(context.Context, *Entry) error { return nil }

// LogRecorder writes entries as structured log lines
type LogRecorder struct {
	log *logrus.Entry
}

// NewLogRecorder creates a recorder that logs through log
func NewLogRecorder(log *logrus.Logger) *LogRecorder {
	if log == nil {
		log = logrus.New()
	}
	return &LogRecorder{log: log.WithField("component", "audit")}
}

// Record logs entry at info level
func (l *LogRecorder) Record(ctx context.Context, entry *Entry) error {
	fields := logrus.Fields{
		"action":     string(entry.Action),
		"ip_address": entry.IPAddress,
		"created_at": entry.CreatedAt,
	}
	if entry.ActorUserID != nil {
		fields["actor_user_id"] = *entry.ActorUserID
	}
	if entry.TargetUserID != nil {
		fields["target_user_id"] = *entry.TargetUserID
	}
	if entry.RoleID != nil {
		fields["role_id"] = *entry.RoleID
	}
	if entry.PermissionID != nil {
		fields["permission_id"] = *entry.PermissionID
	}
	if entry.RequestID != "" {
		fields["request_id"] = entry.RequestID
	}
	if len(entry.Details) > 0 {
		fields["details"] = entry.Details
	}
	l.log.WithFields(fields).Info("Audit event")
	return nil
}
