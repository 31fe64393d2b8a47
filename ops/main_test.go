package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fitcoachdev/modelapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewStatus().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusTracksGenerationOutcomes(t *testing.T) {
	status := NewStatus()
	status.RecordGeneration(nil)
	status.RecordGeneration(&modelapi.GenerationError{
		Kind: modelapi.KindTransient,
		Err:  errors.New("upstream hiccup"),
	})

	srv := httptest.NewServer(status.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Generations     int64  `json:"generations"`
		Failures        int64  `json:"failures"`
		LastFailureKind string `json:"last_failure_kind"`
		AuthHealthy     bool   `json:"auth_healthy"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, int64(2), body.Generations)
	assert.Equal(t, int64(1), body.Failures)
	assert.Equal(t, "transient", body.LastFailureKind)
	assert.True(t, body.AuthHealthy)
}

func TestAuthFailureFlipsHealthFlag(t *testing.T) {
	status := NewStatus()
	status.RecordGeneration(&modelapi.GenerationError{
		Kind: modelapi.KindAuthFailure,
		Err:  errors.New("invalid api key"),
	})

	body := status.snapshot()
	assert.False(t, body.AuthHealthy)
	assert.NotEmpty(t, body.LastAuthFailure)
}
