// utils.go
package schedule

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// -----------------------------
// Context helpers for the acting participant
// -----------------------------

type ctxKeyParticipantID struct{}

// WithParticipant attaches id to ctx so RecordAudit and log lines can
// attribute a mutation to the participant that issued it.
func WithParticipant(ctx context.Context, id ParticipantId) context.Context {
	return context.WithValue(ctx, ctxKeyParticipantID{}, id)
}

// ParticipantFromContext returns the acting participant stored by
// WithParticipant, if any.
func ParticipantFromContext(ctx context.Context) (ParticipantId, bool) {
	id, ok := ctx.Value(ctxKeyParticipantID{}).(ParticipantId)
	return id, ok
}

// -----------------------------
// Request parsing
// -----------------------------

// parseTimeWindow reads optional ?t0=&?t1= RFC3339 bounds from a request,
// returning nil for either bound that is absent or malformed so the
// resulting Query matches "all time" on that side.
func parseTimeWindow(r *http.Request) (*time.Time, *time.Time) {
	q := r.URL.Query()
	var t0, t1 *time.Time
	if s := q.Get("t0"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			t0 = &t
		}
	}
	if s := q.Get("t1"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			t1 = &t
		}
	}
	return t0, t1
}

// parseCSVMaps splits a comma-separated ?maps= query param into the set
// form Query.Maps expects. An empty/missing param means "all maps".
func parseCSVMaps(r *http.Request) map[string]struct{} {
	raw := strings.TrimSpace(r.URL.Query().Get("maps"))
	if raw == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, m := range strings.Split(raw, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			out[m] = struct{}{}
		}
	}
	return out
}

// parseCSVParticipants splits a comma-separated ?participants= query
// param into the set form Query.Participants expects.
func parseCSVParticipants(r *http.Request) map[ParticipantId]struct{} {
	raw := strings.TrimSpace(r.URL.Query().Get("participants"))
	if raw == "" {
		return nil
	}
	out := make(map[ParticipantId]struct{})
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			out[ParticipantId(n)] = struct{}{}
		}
	}
	return out
}

// -----------------------------
// Environment-backed configuration helpers
// -----------------------------

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// LoadConfig reads the service's runtime configuration from the
// environment (spec §6), falling back to sensible local defaults.
func LoadConfig() Config {
	return Config{
		HeartbeatPeriod: envDurationOrDefault("HEARTBEAT_PERIOD", 5*time.Second),
		LogFileLocation: envOrDefault("REGISTRY_LOG", "participants.log"),
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		AuditDBPath:     envOrDefault("AUDIT_DSN", "file:audit.db?cache=shared&_fk=1"),
	}
}
