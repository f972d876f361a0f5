package mqtt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSettingsURL(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		want     string
		wantErr  bool
	}{
		{name: "default", settings: DefaultSettings(), want: "tcp://localhost:1883"},
		{name: "ipv4", settings: Settings{Host: "10.0.0.5", Port: 8883}, want: "tcp://10.0.0.5:8883"},
		{name: "ipv6", settings: Settings{Host: "::1", Port: 1883}, want: "tcp://[::1]:1883"},
		{name: "bracketed ipv6", settings: Settings{Host: "[::1]", Port: 1883}, want: "tcp://[::1]:1883"},
		{name: "trimmed", settings: Settings{Host: " broker.lan ", Port: 1883}, want: "tcp://broker.lan:1883"},
		{name: "empty host", settings: Settings{Port: 1883}, wantErr: true},
		{name: "zero port", settings: Settings{Host: "localhost"}, wantErr: true},
		{name: "scheme in host", settings: Settings{Host: "tcp://x", Port: 1883}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := tt.settings.URL()
			if tt.wantErr {
				if err == nil {
					t.Errorf("URL() = %v, want error", u)
				}
				return
			}
			if err != nil {
				t.Fatalf("URL() error: %v", err)
			}
			if got := u.String(); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

// current returns the settings the client last connected with and
// whether it is configured.
func current(c *Client) (Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings, c.configured
}

func TestPublishBeforeConfigure(t *testing.T) {
	c := NewClient(Options{})
	if c.IsConnected() {
		t.Error("new client reports connected")
	}
	if _, ok := current(c); ok {
		t.Error("new client reports configured")
	}
	err := c.Publish(context.Background(), "t/1", "1")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestConfigureInvalidSettings(t *testing.T) {
	c := NewClient(Options{})
	if err := c.Configure(context.Background(), Settings{Host: "", Port: 1883}); err == nil {
		t.Fatal("Configure() with empty host should fail")
	}
	if c.IsConnected() {
		t.Error("client connected after invalid settings")
	}
	if _, ok := current(c); ok {
		t.Error("invalid settings should leave client unconfigured")
	}
}

func TestUnreachableBrokerStaysDisconnected(t *testing.T) {
	c := NewClient(Options{
		ConnectTimeout:    100 * time.Millisecond,
		ReconnectInterval: 50 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Close(ctx)
	})

	// Port 1 is reserved and refuses connections on loopback.
	s := Settings{Host: "127.0.0.1", Port: 1}
	start := time.Now()
	if err := c.Configure(context.Background(), s); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Configure() blocked for %v", elapsed)
	}

	got, ok := current(c)
	if !ok || got != s {
		t.Errorf("settings = %+v, %v; want %+v, true", got, ok, s)
	}

	time.Sleep(200 * time.Millisecond)
	if c.IsConnected() {
		t.Fatal("client reports connected to unreachable broker")
	}

	start = time.Now()
	err := c.Publish(context.Background(), "t/1", "1")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Publish() while disconnected took %v, want immediate", elapsed)
	}
}

func TestReconfigureReplacesSettings(t *testing.T) {
	c := NewClient(Options{ConnectTimeout: 50 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Close(ctx)
	})

	first := Settings{Host: "127.0.0.1", Port: 1}
	second := Settings{Host: "127.0.0.1", Port: 2}
	if err := c.Configure(context.Background(), first); err != nil {
		t.Fatalf("Configure(first) error: %v", err)
	}
	if err := c.Configure(context.Background(), second); err != nil {
		t.Fatalf("Configure(second) error: %v", err)
	}
	if got, _ := current(c); got != second {
		t.Errorf("settings = %+v, want %+v", got, second)
	}
}

func TestStaleCallbacksIgnored(t *testing.T) {
	c := NewClient(Options{})
	gen := c.gen.Add(1)

	if !c.setConnected(gen, true) {
		t.Fatal("setConnected(current) should change the flag")
	}
	c.gen.Add(1)
	if c.setConnected(gen, false) {
		t.Error("setConnected(stale) should be ignored")
	}
	if !c.IsConnected() {
		t.Error("stale callback cleared the flag")
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("instance ID %q is not a UUID: %v", first, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("UUID version = %d, want 7", parsed.Version())
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestClientID(t *testing.T) {
	dir := t.TempDir()

	got, err := ClientID("custom", dir)
	if err != nil || got != "custom" {
		t.Errorf("ClientID(custom) = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "instance_id")); !os.IsNotExist(err) {
		t.Error("configured client ID should not create an instance ID")
	}

	derived, err := ClientID("", dir)
	if err != nil {
		t.Fatalf("ClientID() error = %v", err)
	}
	if !strings.HasPrefix(derived, "proctrigger-") || len(derived) != len("proctrigger-")+12 {
		t.Errorf("ClientID() = %q, want proctrigger- plus 12 hex digits", derived)
	}
	again, _ := ClientID("", dir)
	if again != derived {
		t.Errorf("ClientID() not stable: %q then %q", derived, again)
	}
}
