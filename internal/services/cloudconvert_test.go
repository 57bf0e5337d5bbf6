package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/jarcoal/httpmock"
)

const ccBase = "https://api.sandbox.cloudconvert.com/v2"

func newMockedCloudConvert(t *testing.T, jobTimeout time.Duration) (*CloudConvertProvider, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	cfg := shared.CloudConvertConfig{
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   jobTimeout,
		RateLimit:    1000,
	}
	env := CloudConvertEnv{Name: "sandbox", APIKey: "cc-key", BaseURL: ccBase}
	return NewCloudConvertProvider(env, cfg, &http.Client{Transport: mock}, shared.NewLogger(io.Discard)), mock
}

func jobBody(status string, tasks ...map[string]any) map[string]any {
	return map[string]any{"data": map[string]any{"id": "job-1", "status": status, "tasks": tasks}}
}

func exportTask(url string) map[string]any {
	return map[string]any{
		"name":      "export-link",
		"operation": "export/url",
		"status":    "finished",
		"result": map[string]any{
			"files": []map[string]any{{"filename": "Song Title.mp3", "url": url, "size": 1234}},
		},
	}
}

func TestCloudConvertProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("Name", func(t *testing.T) {
		p, _ := newMockedCloudConvert(t, time.Second)
		if p.Name() != "cloudconvert-sandbox" {
			t.Errorf("unexpected name %q", p.Name())
		}
	})

	t.Run("Convert polls until finished", func(t *testing.T) {
		p, mock := newMockedCloudConvert(t, time.Second)

		mock.RegisterResponder(http.MethodPost, ccBase+"/jobs", func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") != "Bearer cc-key" {
				t.Errorf("expected bearer auth, got %q", req.Header.Get("Authorization"))
			}
			return httpmock.NewJsonResponse(http.StatusCreated, jobBody("waiting"))
		})

		var polls atomic.Int32
		mock.RegisterResponder(http.MethodGet, ccBase+"/jobs/job-1", func(req *http.Request) (*http.Response, error) {
			if polls.Add(1) < 3 {
				return httpmock.NewJsonResponse(http.StatusOK, jobBody("processing"))
			}
			return httpmock.NewJsonResponse(http.StatusOK, jobBody("finished", exportTask("https://storage.cloudconvert.com/x.mp3")))
		})

		result, err := p.Convert(ctx, "abc")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Link != "https://storage.cloudconvert.com/x.mp3" || result.Title != "Song Title" || !result.Ready {
			t.Errorf("unexpected result: %+v", result)
		}
		if polls.Load() != 3 {
			t.Errorf("expected 3 polls, got %d", polls.Load())
		}
	})

	t.Run("job error", func(t *testing.T) {
		p, mock := newMockedCloudConvert(t, time.Second)
		mock.RegisterResponder(http.MethodPost, ccBase+"/jobs",
			httpmock.NewJsonResponderOrPanic(http.StatusCreated, jobBody("waiting")))
		mock.RegisterResponder(http.MethodGet, ccBase+"/jobs/job-1",
			httpmock.NewJsonResponderOrPanic(http.StatusOK, jobBody("error", map[string]any{
				"name": "import-source", "operation": "import/url", "status": "error", "message": "Video unavailable",
			})))

		_, err := p.Convert(ctx, "abc")
		if !errors.Is(err, shared.ErrProviderError) || errors.Is(err, shared.ErrJobTimeout) {
			t.Fatalf("expected non-timeout ErrProviderError, got %v", err)
		}
	})

	t.Run("never finishing job times out", func(t *testing.T) {
		p, mock := newMockedCloudConvert(t, 30*time.Millisecond)
		mock.RegisterResponder(http.MethodPost, ccBase+"/jobs",
			httpmock.NewJsonResponderOrPanic(http.StatusCreated, jobBody("waiting")))
		mock.RegisterResponder(http.MethodGet, ccBase+"/jobs/job-1",
			httpmock.NewJsonResponderOrPanic(http.StatusOK, jobBody("processing")))

		done := make(chan error, 1)
		go func() {
			_, err := p.Convert(ctx, "abc")
			done <- err
		}()

		select {
		case err := <-done:
			if !errors.Is(err, shared.ErrJobTimeout) || !errors.Is(err, shared.ErrProviderError) {
				t.Errorf("expected ErrJobTimeout, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Convert did not respect the job timeout")
		}
	})

	t.Run("context cancellation stops polling", func(t *testing.T) {
		p, mock := newMockedCloudConvert(t, time.Minute)
		mock.RegisterResponder(http.MethodPost, ccBase+"/jobs",
			httpmock.NewJsonResponderOrPanic(http.StatusCreated, jobBody("waiting")))
		mock.RegisterResponder(http.MethodGet, ccBase+"/jobs/job-1",
			httpmock.NewJsonResponderOrPanic(http.StatusOK, jobBody("processing")))

		cctx, cancel := context.WithTimeout(ctx, 40*time.Millisecond)
		defer cancel()

		if _, err := p.Convert(cctx, "abc"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected context.DeadlineExceeded, got %v", err)
		}
	})

	t.Run("submit rejected", func(t *testing.T) {
		p, mock := newMockedCloudConvert(t, time.Second)
		mock.RegisterResponder(http.MethodPost, ccBase+"/jobs",
			httpmock.NewStringResponder(http.StatusPaymentRequired, `{"message":"Credits exceeded"}`))

		if _, err := p.Submit(ctx, "abc"); !errors.Is(err, shared.ErrProviderError) {
			t.Errorf("expected ErrProviderError, got %v", err)
		}
	})
}

func TestEnvironments(t *testing.T) {
	envs := Environments(shared.CloudConvertConfig{ProductionKey: "p", SandboxKey: "s", SandboxURL: ccBase})
	if len(envs) != 2 || envs[0].Name != "production" || envs[1].BaseURL != ccBase {
		t.Errorf("unexpected environments %+v", envs)
	}
	if len(Environments(shared.CloudConvertConfig{SandboxKey: "s"})) != 1 {
		t.Error("expected environments without keys to be skipped")
	}
}

func TestToConversionJob(t *testing.T) {
	var job ccJob
	job.Data.ID = "j"
	job.Data.Status = "finished"
	if got := toConversionJob(job); got.Status != models.JobFinished || got.Link != "" {
		t.Errorf("unexpected job %+v", got)
	}
}
