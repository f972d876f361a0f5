package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
)

func TestRun_Args(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
		wantOut string
	}{
		{name: "no args prints usage", args: nil, wantOut: "Usage: proctrigger"},
		{name: "help flag", args: []string{"--help"}, wantOut: "Commands:"},
		{name: "version text", args: []string{"version"}, wantOut: "go_version:"},
		{name: "unknown command", args: []string{"frobnicate"}, wantErr: "unknown command: frobnicate"},
		{name: "unknown flag", args: []string{"-x", "version"}, wantErr: "unknown flag: -x"},
		{name: "bad output format", args: []string{"-o", "yaml", "version"}, wantErr: "unknown output format"},
		{name: "missing explicit config", args: []string{"-config=/nonexistent/config.yaml", "serve"}, wantErr: "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(stdout.String(), tt.wantOut) {
				t.Errorf("stdout missing %q:\n%s", tt.wantOut, stdout.String())
			}
		})
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	for _, k := range []string{"version", "git_commit", "go_version"} {
		if info[k] == "" {
			t.Errorf("missing %q in %v", k, info)
		}
	}
}

func TestRun_ProcessesJSON(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &bytes.Buffer{}, []string{"processes", "--output=json"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var out struct {
		Processes []string `json:"processes"`
		Count     int      `json:"count"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	// The test binary itself is running.
	if out.Count == 0 || out.Count != len(out.Processes) {
		t.Errorf("count = %d, processes = %d", out.Count, len(out.Processes))
	}
}

// syncWriter serializes writes from the serve goroutines.
type syncWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, dataDir string, port int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`data_dir: %s
log_level: debug
listen:
  address: 127.0.0.1
  port: %d
broker:
  connect_timeout: 200ms
sampler:
  interval: 200ms
reconcile:
  tick_interval: 50ms
`, dataDir, port)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// serveUntilListening runs serve in the background, waits for the API
// port to accept connections, then cancels and returns the logs and serve's result.
func serveUntilListening(t *testing.T, cfgPath string, port int) (string, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var stdout bytes.Buffer
	out := &syncWriter{buf: &stdout}
	go func() {
		done <- run(ctx, out, &bytes.Buffer{}, []string{"-config", cfgPath, "serve"})
	}()

	// Wait until the HTTP API answers.
	url := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", url, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			break
		}
		select {
		case err := <-done:
			cancel()
			t.Fatalf("serve exited before listening: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server never listened on %s", url)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		return out.String(), err
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
		return "", nil
	}
}

func TestRunServe_StartsAndStops(t *testing.T) {
	dataDir := t.TempDir()
	port := freePort(t)
	cfgPath := writeConfig(t, dataDir, port)

	if _, err := serveUntilListening(t, cfgPath, port); err != nil {
		t.Fatalf("serve returned %v", err)
	}

	for _, name := range []string{"proctrigger.db", "instance_id", "log.txt"} {
		if _, err := os.Stat(filepath.Join(dataDir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
}

func TestRunServe_RefusesSecondInstance(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := writeConfig(t, dataDir, freePort(t))

	lock := flock.New(filepath.Join(dataDir, "proctrigger.lock"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock = %v, %v", locked, err)
	}
	defer lock.Unlock()

	err = run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"-config", cfgPath, "serve"})
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("err = %v, want already running", err)
	}
}

func TestRunServe_UnreadableTriggersStartsEmpty(t *testing.T) {
	dataDir := t.TempDir()

	// A triggers table with the wrong shape cannot be read back.
	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "proctrigger.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE triggers (position INTEGER PRIMARY KEY, junk TEXT)`); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	port := freePort(t)
	cfgPath := writeConfig(t, dataDir, port)

	logs, err := serveUntilListening(t, cfgPath, port)
	if err != nil {
		t.Fatalf("serve returned %v", err)
	}
	if !strings.Contains(logs, "saved triggers unreadable") {
		t.Errorf("unreadable trigger list was not logged:\n%s", logs)
	}
	if !strings.Contains(logs, "triggers loaded") {
		t.Errorf("serve did not continue past the trigger load:\n%s", logs)
	}
}
