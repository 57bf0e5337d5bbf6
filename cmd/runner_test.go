package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/desertthunder/tunegate/internal/shared"
	tu "github.com/desertthunder/tunegate/internal/testing"
)

func TestRunner(t *testing.T) {
	t.Run("NewRunner", func(t *testing.T) {
		t.Run("with all dependencies provided", func(t *testing.T) {
			config := shared.DefaultConfig()
			logger := shared.NewLogger(nil)
			output := &bytes.Buffer{}
			httpClient := &http.Client{}

			runner := NewRunner(RunnerOpts{
				Config:     config,
				ConfigPath: "/test/path/config.toml",
				Logger:     logger,
				Output:     output,
				HTTPClient: httpClient,
			})

			if runner.config != config {
				t.Error("expected config to be set")
			}
			if runner.configPath != "/test/path/config.toml" {
				t.Errorf("expected configPath to be set, got %s", runner.configPath)
			}
			if runner.logger != logger {
				t.Error("expected logger to be set")
			}
			if runner.output != output {
				t.Error("expected output to be set")
			}
			if runner.httpClient != httpClient {
				t.Error("expected httpClient to be set")
			}
		})

		t.Run("with nil dependencies uses defaults", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{})

			if runner.config == nil {
				t.Error("expected default config to be set")
			}
			if runner.logger == nil {
				t.Error("expected default logger to be set")
			}
			if runner.output != os.Stdout {
				t.Error("expected output to default to os.Stdout")
			}
			if runner.httpClient != http.DefaultClient {
				t.Error("expected httpClient to default to http.DefaultClient")
			}
		})
	})

	t.Run("writeJSON", func(t *testing.T) {
		t.Run("writes formatted JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writeJSON(map[string]string{"key": "value"}, true); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			result := output.String()
			if !strings.Contains(result, `"key": "value"`) {
				t.Errorf("expected formatted JSON, got %s", result)
			}
			if !strings.HasSuffix(result, "\n") {
				t.Error("expected output to end with newline")
			}
		})

		t.Run("writes compact JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writeJSON(map[string]string{"key": "value"}, false); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			expected := `{"key":"value"}` + "\n"
			if output.String() != expected {
				t.Errorf("expected %q, got %q", expected, output.String())
			}
		})

		t.Run("handles marshal error with non-serializable data", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &bytes.Buffer{}})

			// channels cannot be marshaled to JSON
			err := runner.writeJSON(make(chan int), false)
			if err == nil || !strings.Contains(err.Error(), "failed to marshal JSON") {
				t.Errorf("expected marshal error, got %v", err)
			}
		})

		t.Run("handles write failure", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &tu.FWriter{}})

			err := runner.writeJSON(map[string]string{"key": "value"}, false)
			if err == nil || !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})

		t.Run("handles newline write failure", func(t *testing.T) {
			limitedWriter := tu.NewLimitedWriter(1, 0, &bytes.Buffer{})
			runner := NewRunner(RunnerOpts{Output: &limitedWriter})

			err := runner.writeJSON(map[string]string{"key": "value"}, false)
			if err == nil || !strings.Contains(err.Error(), "failed to write newline") {
				t.Errorf("expected newline write error, got %v", err)
			}
		})
	})

	t.Run("writePlain", func(t *testing.T) {
		t.Run("writes plain text successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writePlain("hello %s", "world"); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if output.String() != "hello world" {
				t.Errorf("expected 'hello world', got %q", output.String())
			}
		})

		t.Run("handles write failure", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &tu.FWriter{}})

			err := runner.writePlain("test")
			if err == nil || !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})
	})

	t.Run("writeOutput", func(t *testing.T) {
		t.Run("writes to output without path", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output, Logger: shared.NewLogger(io.Discard)})

			if err := runner.writeOutput([]byte("data"), ""); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if output.String() != "data" {
				t.Errorf("got %q", output.String())
			}
		})

		t.Run("writes to file with path", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output, Logger: shared.NewLogger(io.Discard)})
			path := filepath.Join(t.TempDir(), "out.csv")

			if err := runner.writeOutput([]byte("a,b\n"), path); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			tu.AssertFileExists(t, path)
			if got := tu.MustReadFile(t, path); got != "a,b\n" {
				t.Errorf("file = %q", got)
			}
			if output.Len() != 0 {
				t.Errorf("expected no stdout output, got %q", output.String())
			}
		})
	})

	t.Run("loadConfig", func(t *testing.T) {
		t.Run("missing file keeps defaults", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Logger: shared.NewLogger(io.Discard)})
			before := runner.config

			if err := runner.loadConfig(filepath.Join(t.TempDir(), "missing.toml")); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if runner.config != before {
				t.Error("expected config to be unchanged")
			}
		})

		t.Run("loads existing file", func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte("[server]\nport = 4000\n"), 0644); err != nil {
				t.Fatal(err)
			}

			runner := NewRunner(RunnerOpts{Logger: shared.NewLogger(io.Discard)})
			if err := runner.loadConfig(path); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if runner.config.Server.Port != 4000 {
				t.Errorf("port = %d, want 4000", runner.config.Server.Port)
			}
			if runner.configPath != path {
				t.Errorf("configPath = %q", runner.configPath)
			}
		})

		t.Run("invalid file", func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte("[server\n"), 0644); err != nil {
				t.Fatal(err)
			}

			runner := NewRunner(RunnerOpts{Logger: shared.NewLogger(io.Discard)})
			if err := runner.loadConfig(path); err == nil {
				t.Error("expected parse error")
			}
		})
	})

	t.Run("register", func(t *testing.T) {
		commands := NewRunner(RunnerOpts{}).register()

		names := map[string]bool{}
		for i, cmd := range commands {
			if cmd == nil {
				t.Fatalf("command at index %d is nil", i)
			}
			names[cmd.Name] = true
		}
		for _, want := range []string{"setup", "serve", "resolve", "pool", "artifacts", "monitor"} {
			if !names[want] {
				t.Errorf("expected %q command to be registered", want)
			}
		}
	})
}

// testEnv is a config file pointing at a temp database, a temp media dir and a fake proxy.
type testEnv struct {
	dir        string
	configPath string
	proxyCalls atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{dir: t.TempDir()}

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/audio/"):
			env.proxyCalls.Add(1)
			id := strings.TrimPrefix(r.URL.Path, "/api/audio/")
			if id == "missing" {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"url": %q, "title": "Proxy Title"}`, srv.URL+"/files/"+id+".mp3")
		case strings.HasPrefix(r.URL.Path, "/files/"):
			w.Write([]byte("ID3 fake audio bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	config := fmt.Sprintf(`
[server]
failure_cooldown = "0s"
redirect_on_ready = false

[database]
path = %q

[storage]
backend = "local"
public_base_url = "http://media.test/media"

[storage.local]
dir = %q

[providers.rapidapi]
enabled = false

[providers.proxy]
enabled = true
base_url = %q

[log]
level = "error"
`, filepath.Join(env.dir, "test.db"), filepath.Join(env.dir, "media"), srv.URL)

	env.configPath = filepath.Join(env.dir, "config.toml")
	if err := os.WriteFile(env.configPath, []byte(config), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return env
}

// run executes the CLI with args and returns its stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	output := &bytes.Buffer{}
	runner := NewRunner(RunnerOpts{Output: output, Logger: shared.NewLogger(io.Discard)})

	argv := append([]string{"tunegate", "--config", e.configPath}, args...)
	err := newApp(runner).Run(context.Background(), argv)
	return output.String(), err
}

func TestCommands(t *testing.T) {
	t.Run("setup database creates the schema", func(t *testing.T) {
		env := newTestEnv(t)

		out, err := env.run(t, "setup", "database")
		if err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		if !strings.Contains(out, "Database ready") {
			t.Errorf("output = %q", out)
		}
		tu.AssertFileExists(t, filepath.Join(env.dir, "test.db"))

		if _, err := env.run(t, "setup", "rollback"); err != nil {
			t.Errorf("rollback failed: %v", err)
		}
	})

	t.Run("setup database writes the example config in the working directory", func(t *testing.T) {
		wd := tu.MustGetwd(t)
		dir := t.TempDir()
		tu.MustChdir(t, dir)
		t.Cleanup(func() { tu.MustChdir(t, wd) })

		output := &bytes.Buffer{}
		runner := NewRunner(RunnerOpts{Output: output, Logger: shared.NewLogger(io.Discard)})
		if err := newApp(runner).Run(context.Background(), []string{"tunegate", "setup", "database"}); err != nil {
			t.Fatalf("setup failed: %v", err)
		}

		tu.AssertFileExists(t, filepath.Join(dir, "config.toml"))
		tu.AssertFileExists(t, filepath.Join(dir, "tunegate.db"))
		if !strings.Contains(tu.MustReadFile(t, filepath.Join(dir, "config.toml")), "[providers.rapidapi]") {
			t.Error("expected the example config to be written")
		}
	})

	t.Run("resolve persists and artifacts commands see it", func(t *testing.T) {
		env := newTestEnv(t)

		out, err := env.run(t, "resolve", "--json", "--artist", "Artist", "abc123")
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}

		var got resolveOutput
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("invalid JSON %q: %v", out, err)
		}
		if got.State != "persist_and_stream" {
			t.Errorf("state = %q, want persist_and_stream", got.State)
		}
		if got.Strategy != "proxy" {
			t.Errorf("strategy = %q, want proxy", got.Strategy)
		}
		if !strings.HasPrefix(got.URL, "http://media.test/media/audio/abc123/") {
			t.Errorf("url = %q", got.URL)
		}

		out, err = env.run(t, "resolve", "--json", "abc123")
		if err != nil {
			t.Fatalf("second resolve failed: %v", err)
		}
		if !strings.Contains(out, "stream_from_storage") {
			t.Errorf("second resolve output = %q", out)
		}
		if n := env.proxyCalls.Load(); n != 1 {
			t.Errorf("proxy calls = %d, want 1", n)
		}

		out, err = env.run(t, "artifacts", "list", "--format", "csv")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if !strings.Contains(out, "abc123") || !strings.Contains(out, "Proxy Title") {
			t.Errorf("list output = %q", out)
		}

		out, err = env.run(t, "artifacts", "show", "abc123")
		if err != nil {
			t.Fatalf("show failed: %v", err)
		}
		if !strings.Contains(out, "abc123") {
			t.Errorf("show output = %q", out)
		}

		if _, err := env.run(t, "artifacts", "delete", "abc123"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := env.run(t, "artifacts", "show", "abc123"); !errors.Is(err, shared.ErrArtifactNotFound) {
			t.Errorf("show after delete = %v, want ErrArtifactNotFound", err)
		}
	})

	t.Run("resolve dry run does not persist", func(t *testing.T) {
		env := newTestEnv(t)

		out, err := env.run(t, "resolve", "--dry-run", "xyz")
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if !strings.Contains(out, "Resolved via proxy") {
			t.Errorf("output = %q", out)
		}

		out, err = env.run(t, "artifacts", "list", "--format", "csv")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if strings.Contains(out, "xyz") {
			t.Errorf("dry run persisted an artifact: %q", out)
		}
	})

	t.Run("resolve terminal failure", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.run(t, "resolve", "missing")
		if !errors.Is(err, shared.ErrTerminalFailure) {
			t.Errorf("err = %v, want ErrTerminalFailure", err)
		}
	})

	t.Run("resolve requires an id", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.run(t, "resolve")
		if !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("err = %v, want ErrMissingArgument", err)
		}
	})

	t.Run("pool status without rapidapi", func(t *testing.T) {
		env := newTestEnv(t)

		out, err := env.run(t, "pool", "status", "--json")
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		var got poolStatusOutput
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("invalid JSON %q: %v", out, err)
		}
		if len(got.Entries) != 0 {
			t.Errorf("entries = %d, want 0", len(got.Entries))
		}
	})

	t.Run("pool reset argument validation", func(t *testing.T) {
		env := newTestEnv(t)

		if _, err := env.run(t, "pool", "reset"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("err = %v, want ErrMissingArgument", err)
		}
		if _, err := env.run(t, "pool", "reset", "--all", "abc:host"); !errors.Is(err, shared.ErrInvalidArgument) {
			t.Errorf("err = %v, want ErrInvalidArgument", err)
		}
		if _, err := env.run(t, "pool", "reset", "--all"); !errors.Is(err, shared.ErrMissingConfig) {
			t.Errorf("err = %v, want ErrMissingConfig", err)
		}
	})

	t.Run("pool import renders an endpoint", func(t *testing.T) {
		env := newTestEnv(t)
		snippet := filepath.Join(env.dir, "snippet.sh")
		content := `curl --request GET \
	--url 'https://youtube-mp36.p.rapidapi.com/dl?id=UxxajLWwzqY' \
	--header 'x-rapidapi-host: youtube-mp36.p.rapidapi.com' \
	--header 'x-rapidapi-key: secret-key-123'`
		if err := os.WriteFile(snippet, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}

		out, err := env.run(t, "pool", "import", "--curl-file", snippet, "--max-requests", "300")
		if err != nil {
			t.Fatalf("import failed: %v", err)
		}
		for _, want := range []string{"[[providers.rapidapi.endpoints]]", `host = "youtube-mp36.p.rapidapi.com"`, "max_requests = 300", shared.HashCredential("secret-key-123")} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
		if strings.Contains(out, "secret-key-123") {
			t.Error("output leaked the raw key")
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		env := newTestEnv(t)

		if _, err := env.run(t, "artifacts", "list", "--format", "xml"); err == nil {
			t.Error("expected error for unknown format")
		}
	})
}
