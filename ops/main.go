// Package ops exposes the operator-facing HTTP surface. Its main job is to
// make credential breakage visible: a user sees "try again later", the
// operator sees auth_failure with a timestamp on /status.
package ops

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fitcoachdev/modelapi"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Status struct {
	mu sync.Mutex

	startedAt       time.Time
	generations     int64
	failures        int64
	lastFailureKind string
	lastAuthFailure time.Time
}

func NewStatus() *Status {
	return &Status{startedAt: time.Now()}
}

// RecordGeneration tallies one generation outcome. Pass a nil error for
// success.
func (s *Status) RecordGeneration(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generations++
	if err == nil {
		return
	}
	s.failures++
	kind := modelapi.KindOf(err)
	s.lastFailureKind = kind.String()
	if kind == modelapi.KindAuthFailure {
		s.lastAuthFailure = time.Now()
	}
}

type statusBody struct {
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Generations     int64  `json:"generations"`
	Failures        int64  `json:"failures"`
	LastFailureKind string `json:"last_failure_kind,omitempty"`
	LastAuthFailure string `json:"last_auth_failure,omitempty"`
	AuthHealthy     bool   `json:"auth_healthy"`
}

func (s *Status) snapshot() statusBody {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := statusBody{
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		Generations:     s.generations,
		Failures:        s.failures,
		LastFailureKind: s.lastFailureKind,
		AuthHealthy:     s.lastAuthFailure.IsZero(),
	}
	if !s.lastAuthFailure.IsZero() {
		body.LastAuthFailure = s.lastAuthFailure.UTC().Format(time.RFC3339)
	}
	return body
}

// Handler serves /healthz and /status.
func (s *Status) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.snapshot())
	})

	return otelhttp.NewHandler(r, "ops")
}
