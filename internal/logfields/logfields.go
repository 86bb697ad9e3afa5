package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID     = "build_id"
	KeyProjectID   = "project_id"
	KeyOwnerID     = "owner_id"
	KeyBuildNumber = "build_number"
	KeyStatus      = "status"
	KeyDecision    = "decision"
	KeyStage       = "stage"
	KeyDurationMS  = "duration_ms"
	KeySubject     = "subject"
	KeyAttempt     = "attempt"
	KeyActive      = "active"
	KeyQueued      = "queued"
	KeyLimit       = "limit"
	KeyWorker      = "worker"
	KeyURL         = "url"
	KeyMethod      = "method"
	KeyHTTPStatus  = "http_status"
	KeyName        = "name"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr        { return slog.String(KeyBuildID, id) }
func ProjectID(id string) slog.Attr      { return slog.String(KeyProjectID, id) }
func OwnerID(id string) slog.Attr        { return slog.String(KeyOwnerID, id) }
func BuildNumber(n int) slog.Attr        { return slog.Int(KeyBuildNumber, n) }
func Status(s string) slog.Attr          { return slog.String(KeyStatus, s) }
func Decision(d string) slog.Attr        { return slog.String(KeyDecision, d) }
func Stage(name string) slog.Attr        { return slog.String(KeyStage, name) }
func DurationMS(ms float64) slog.Attr    { return slog.Float64(KeyDurationMS, ms) }
func Subject(s string) slog.Attr         { return slog.String(KeySubject, s) }
func Attempt(n int) slog.Attr            { return slog.Int(KeyAttempt, n) }
func Active(n int) slog.Attr             { return slog.Int(KeyActive, n) }
func Queued(n int) slog.Attr             { return slog.Int(KeyQueued, n) }
func Limit(n int) slog.Attr              { return slog.Int(KeyLimit, n) }
func Worker(w string) slog.Attr          { return slog.String(KeyWorker, w) }
func URL(u string) slog.Attr             { return slog.String(KeyURL, u) }
func Method(m string) slog.Attr          { return slog.String(KeyMethod, m) }
func HTTPStatus(code int) slog.Attr      { return slog.Int(KeyHTTPStatus, code) }
func Name(n string) slog.Attr            { return slog.String(KeyName, n) }
func Since(start time.Time) slog.Attr    { return DurationMS(float64(time.Since(start).Microseconds()) / 1000) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
