package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automatedhome/waterheater/pkg/controller"
	"github.com/automatedhome/waterheater/pkg/mqtt"
)

func setupStatus(t *testing.T) {
	t.Helper()
	promMetrics = newMetrics(prometheus.NewRegistry())
	publisher = mqtt.NoopPublisher{}
	statusMu.Lock()
	systemStatus = Status{Status: "startup", Since: time.Now().Unix()}
	lastPass = time.Now()
	statusMu.Unlock()
}

func TestSetStatusTransitions(t *testing.T) {
	setupStatus(t)

	setStatus(controller.Decision{Status: controller.StatusNormal, Target: 65, HasTarget: true}, controller.ModeNormal, 60)
	statusMu.Lock()
	got := systemStatus
	statusMu.Unlock()
	assert.Equal(t, "Normal", got.Status)
	assert.Equal(t, "normal", got.Mode)
	require.NotNil(t, got.Target)
	assert.Equal(t, 65.0, *got.Target)

	setStatus(controller.Decision{Status: controller.StatusOff}, controller.ModeOff, 60)
	statusMu.Lock()
	got = systemStatus
	statusMu.Unlock()
	assert.Equal(t, "Off", got.Status)
	assert.Nil(t, got.Target)
}

func TestStatusHandlersDuringEvaluation(t *testing.T) {
	setupStatus(t)

	// keep the status transition log lines out of the test output
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	// The /status and /health handlers run concurrently with the evaluation
	// goroutine writing systemStatus and lastPass.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		decisions := []controller.Decision{
			{Status: controller.StatusNormal, Target: 65, HasTarget: true},
			{Status: controller.StatusError, Reason: "temperature source unavailable"},
		}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			setStatus(decisions[i%2], controller.ModeNormal, 58.2)
			statusMu.Lock()
			lastPass = time.Now()
			statusMu.Unlock()
		}
	}()

	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		httpStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var status Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

		rec = httptest.NewRecorder()
		httpHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	close(stop)
	wg.Wait()
}

func TestHealthCheckStale(t *testing.T) {
	setupStatus(t)

	rec := httptest.NewRecorder()
	httpHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	statusMu.Lock()
	lastPass = time.Now().Add(-2 * time.Minute)
	statusMu.Unlock()

	rec = httptest.NewRecorder()
	httpHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
