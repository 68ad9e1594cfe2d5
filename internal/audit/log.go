package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"yaud.dev/internal/auth"
	"yaud.dev/internal/obs"
)

// Event names written by the HTTP layer.
const (
	EventLogin           = "auth.login"
	EventLoginFailed     = "auth.login_failed"
	EventLogout          = "auth.logout"
	EventRefresh         = "auth.refresh"
	EventAccountCreated  = "account.created"
	EventPasswordChanged = "account.password_changed"
	EventTOTPChanged     = "account.totp_changed"
	EventGrant           = "permission.grant"
	EventRevoke          = "permission.revoke"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and account context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if accountID, ok := auth.AccountIDFromContext(ctx); ok {
		entry["account_id"] = accountID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
