package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// ErrNotConnected is returned by [Client.Publish] when the client has
// no live broker connection. The message is dropped, not queued.
var ErrNotConnected = errors.New("mqtt: not connected")

// DefaultPort is the standard unencrypted MQTT port.
const DefaultPort = 1883

// Settings is the broker address the client connects to.
type Settings struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// DefaultSettings returns localhost:1883.
func DefaultSettings() Settings {
	return Settings{Host: "localhost", Port: DefaultPort}
}

// Validate reports whether s can be turned into a broker URL.
func (s Settings) Validate() error {
	host := strings.TrimSpace(s.Host)
	if host == "" {
		return errors.New("mqtt: broker host is empty")
	}
	if strings.ContainsAny(host, "/ ") {
		return fmt.Errorf("mqtt: broker host %q is invalid", s.Host)
	}
	if s.Port == 0 {
		return errors.New("mqtt: broker port is zero")
	}
	return nil
}

// URL returns the tcp:// broker URL for s.
func (s Settings) URL() (*url.URL, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	host := strings.Trim(strings.TrimSpace(s.Host), "[]")
	return &url.URL{
		Scheme: "tcp",
		Host:   net.JoinHostPort(host, strconv.Itoa(int(s.Port))),
	}, nil
}

func (s Settings) String() string {
	return net.JoinHostPort(strings.Trim(s.Host, "[]"), strconv.Itoa(int(s.Port)))
}

// Options are the connection parameters that do not change when the
// broker address does.
type Options struct {
	ClientID          string
	Username          string
	Password          string
	KeepAlive         uint16 // seconds
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	PublishTimeout    time.Duration
	QoS               byte
	Retain            bool

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Client is a publish-only MQTT connection with automatic reconnect.
// All methods are safe for concurrent use.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	cm         *autopaho.ConnectionManager
	cancel     context.CancelFunc
	settings   Settings
	configured bool

	// gen identifies the current connection manager. Callbacks from a
	// replaced manager compare against it and leave connected alone.
	gen       atomic.Uint64
	connected atomic.Bool
}

// NewClient creates a Client. It does not connect until
// [Client.Configure] is called.
func NewClient(opts Options) *Client {
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.QoS > 2 {
		opts.QoS = 2
	}
	if opts.ClientID == "" {
		opts.ClientID = "proctrigger"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts, logger: opts.Logger}
}

// Configure discards any existing connection and starts connecting to
// the broker described by s. It does not wait for the broker: the
// initial connection is awaited in the background for up to the
// connect timeout, and autopaho keeps retrying after that. Invalid
// settings leave the client disconnected and return an error.
func (c *Client) Configure(ctx context.Context, s Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()

	brokerURL, err := s.URL()
	if err != nil {
		return err
	}
	gen := c.gen.Add(1)

	// The connection manager outlives the caller's request context.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	cfg := autopaho.ClientConfig{
		ServerUrls:       []*url.URL{brokerURL},
		KeepAlive:        c.opts.KeepAlive,
		ConnectTimeout:   c.opts.ConnectTimeout,
		ReconnectBackoff: autopaho.NewConstantBackoff(c.opts.ReconnectInterval),
		ConnectUsername:  c.opts.Username,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			if c.setConnected(gen, true) {
				c.logger.Info("mqtt connected to broker", "broker", s.String())
			}
		},
		OnConnectError: func(err error) {
			if c.setConnected(gen, false) {
				c.logger.Warn("mqtt connection lost", "broker", s.String(), "error", err)
				return
			}
			c.logger.Debug("mqtt connect attempt failed", "broker", s.String(), "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.opts.ClientID,
			OnClientError: func(err error) {
				if c.setConnected(gen, false) {
					c.logger.Warn("mqtt client error", "broker", s.String(), "error", err)
				}
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if c.setConnected(gen, false) {
					c.logger.Warn("mqtt broker disconnected", "broker", s.String(), "reason_code", d.ReasonCode)
				}
			},
		},
	}
	if c.opts.Password != "" {
		cfg.ConnectPassword = []byte(c.opts.Password)
	}

	cm, err := autopaho.NewConnection(connCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.cm = cm
	c.cancel = cancel
	c.settings = s
	c.configured = true

	c.logger.Info("mqtt connecting", "broker", s.String(), "client_id", c.opts.ClientID)

	go func() {
		awaitCtx, awaitCancel := context.WithTimeout(connCtx, c.opts.ConnectTimeout)
		defer awaitCancel()
		if err := cm.AwaitConnection(awaitCtx); err != nil && connCtx.Err() == nil {
			// Log but don't fail; autopaho keeps retrying in the background.
			c.logger.Warn("mqtt initial connection timed out, will retry in background",
				"broker", s.String(), "timeout", c.opts.ConnectTimeout)
		}
	}()
	return nil
}

// teardownLocked stops the current connection manager, if any. Errors
// from the disconnect are ignored. c.mu must be held.
func (c *Client) teardownLocked() {
	c.gen.Add(1)
	c.connected.Store(false)
	if c.configured {
		c.logger.Debug("mqtt dropping connection", "broker", c.settings.String())
	}
	c.configured = false
	if c.cm == nil {
		return
	}

	dctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()
	if err := c.cm.Disconnect(dctx); err != nil {
		c.logger.Debug("mqtt disconnect of previous connection failed", "error", err)
	}
	c.cancel()
	c.cm = nil
	c.cancel = nil
}

// setConnected stores v if gen is still current and reports whether
// the flag changed.
func (c *Client) setConnected(gen uint64, v bool) bool {
	if c.gen.Load() != gen {
		return false
	}
	return c.connected.Swap(v) != v
}

// IsConnected reports the locally tracked connection state. It never
// touches the network.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Publish sends payload to topic with the configured QoS and retain
// flag. When disconnected it returns [ErrNotConnected] without any
// network I/O.
func (c *Client) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()

	if cm == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	if _, err := cm.Publish(pctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     c.opts.QoS,
		Retain:  c.opts.Retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	c.logger.Debug("mqtt published", "topic", topic, "bytes", len(payload))
	return nil
}

// Close disconnects from the broker. The client may be configured
// again afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen.Add(1)
	c.connected.Store(false)
	c.configured = false
	if c.cm == nil {
		return nil
	}

	err := c.cm.Disconnect(ctx)
	c.cancel()
	c.cm = nil
	c.cancel = nil
	if err != nil {
		return fmt.Errorf("mqtt disconnect from %s: %w", c.settings, err)
	}
	c.logger.Info("mqtt disconnected", "broker", c.settings.String())
	return nil
}
