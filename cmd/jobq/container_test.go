package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Abraxas-365/jobq/pkg/config"
	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/logx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{CORSOrigins: "*", Version: "test", ShutdownTimeout: time.Second},
		Jobq: config.JobqConfig{
			Queue:           "default",
			Backend:         config.BackendMemory,
			Concurrency:     2,
			DefaultAttempts: 3,
			BackoffType:     "fixed",
			BackoffDelay:    10 * time.Millisecond,
			KeepCompleted:   10,
			KeepFailed:      10,
			PollInterval:    10 * time.Millisecond,
			ShutdownTimeout: time.Second,
			SweepSchedule:   "@every 1s",
			StalledTimeout:  time.Minute,
		},
		Archive: config.ArchiveConfig{Mode: config.ArchiveLocal, Dir: t.TempDir(), Prefix: "jobs"},
		Alert: config.AlertConfig{
			Provider: config.AlertConsole,
			To:       []string{"ops@example.com"},
			From:     "jobq@example.com",
			Every:    time.Minute,
			Burst:    1,
		},
	}
}

// startContainer builds a memory-backed container and runs its background
// services until the test ends.
func startContainer(t *testing.T) *Container {
	t.Helper()
	logx.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewContainer(ctx, testConfig(t))
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	c.StartBackgroundServices(gctx, g)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, g.Wait())
		c.Cleanup()
	})
	return c
}

func TestContainer_RunsBuiltInJobs(t *testing.T) {
	c := startContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := Echo.Enqueue(ctx, c.Queue, EchoPayload{Message: "hi"})
	require.NoError(t, err)
	job, err := h.WaitUntilFinished(ctx)
	require.NoError(t, err)
	res, err := Echo.Result(job)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Echoed)

	h, err = Countdown.Enqueue(ctx, c.Queue, CountdownPayload{Steps: 2, IntervalMS: 5})
	require.NoError(t, err)
	job, err = h.WaitUntilFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobx.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress.Percent)
	assert.Equal(t, "step 2 of 2", job.Progress.Message)
}

func TestContainer_ValidatesBuiltInPayloads(t *testing.T) {
	c := startContainer(t)
	ctx := context.Background()

	_, err := c.Queue.Enqueue(ctx, "echo", json.RawMessage(`{"message":""}`))
	assert.True(t, jobx.IsValidation(err))

	_, err = c.Queue.Enqueue(ctx, "countdown", json.RawMessage(`{"steps":0}`))
	assert.True(t, jobx.IsValidation(err))
}

func TestApp_Routes(t *testing.T) {
	c := startContainer(t)
	app := newApp(c)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req := httptest.NewRequest("POST", "/jobs", strings.NewReader(`{"name":"echo","data":{"message":""}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/nowhere", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	var info struct {
		Processors []string `json:"processors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, []string{"countdown", "echo"}, info.Processors)
}
