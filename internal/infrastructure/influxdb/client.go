package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize      = 100
	defaultFlushIntervalS = 10
	msPerSecond           = 1000
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client batches device telemetry into one InfluxDB bucket.
//
// Writes never block the caller; the library flushes in the background and
// reports failures through the SetOnError hook. Points written after Close
// are dropped.
type Client struct {
	client influxdb2.Client
	writer pointWriter
	cfg    config.InfluxDBConfig

	mu      sync.RWMutex
	open    bool
	onError func(err error)

	writeErrors atomic.Uint64
}

// Connect pings the server and sets up the batching write API. It returns
// ErrDisabled when the section is switched off.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := newClient(cfg, writeAPI)
	c.client = client
	go c.handleWriteErrors(writeAPI.Errors())
	return c, nil
}

// writeOptions maps batch_size and flush_interval (seconds) onto the
// library's options, substituting defaults for unset values.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushIntervalS
	}
	// #nosec G115 -- both values are positive here
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).
		SetFlushInterval(uint(flush) * msPerSecond)
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

func newClient(cfg config.InfluxDBConfig, w pointWriter) *Client {
	return &Client{cfg: cfg, writer: w, open: true}
}

func (c *Client) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		c.writeErrors.Add(1)

		c.mu.RLock()
		hook := c.onError
		c.mu.RUnlock()
		if hook != nil {
			hook(err)
		}
	}
}

// Close flushes pending points and releases the connection. Further
// calls do nothing.
func (c *Client) Close() error {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	c.mu.Unlock()

	if !wasOpen {
		return nil
	}
	if c.writer != nil {
		c.writer.Flush()
	}
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.client == nil {
		return ErrNotConnected
	}
	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(checkCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is still open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// SetOnError sets the hook for asynchronous write failures.
func (c *Client) SetOnError(hook func(err error)) {
	c.mu.Lock()
	c.onError = hook
	c.mu.Unlock()
}

// WriteErrors returns how many background writes have failed.
func (c *Client) WriteErrors() uint64 {
	return c.writeErrors.Load()
}

// Flush blocks until buffered points are written. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() && c.writer != nil {
		c.writer.Flush()
	}
}
