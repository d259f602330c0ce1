// Package nats provides NATS JetStream client management and the
// cross-node event bus.
package nats

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/pkg/logger"
	"github.com/classifieds-hub/mailbox/pkg/metrics"
)

const (
	defaultReconnectWait  = 2 * time.Second
	defaultConnectTimeout = 5 * time.Second
	reconnectBufSize      = 8 * 1024 * 1024
)

// Config holds NATS connection configuration.
type Config struct {
	URL string
	// CAFile alone verifies the server; with CertFile and KeyFile it also
	// enables mutual TLS.
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
	// Name identifies the API node in NATS monitoring.
	Name string

	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// Client wraps the NATS connection and JetStream context shared by the bus.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
}

// Connect dials NATS and opens a JetStream context. The connection retries
// forever once established; the bus readiness follows IsConnected.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	opts, err := connectOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	metrics.BusConnected.Set(1)

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		metrics.BusConnected.Set(0)
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()), zap.String("name", cfg.Name))
	return &Client{
		conn:   nc,
		js:     js,
		logger: log,
	}, nil
}

func connectOptions(cfg Config, log *logger.Logger) ([]nats.Option, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = defaultReconnectWait
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.Timeout(timeout),
		nats.ReconnectBufSize(reconnectBufSize),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			metrics.BusConnected.Set(0)
			log.Warn("NATS disconnected, push fan-out paused", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BusConnected.Set(1)
			metrics.BusReconnects.Inc()
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			metrics.BusConnected.Set(0)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS async error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.CAFile != "" || cfg.CertFile != "" || cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts, nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Conn returns the underlying NATS connection.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.logger.Warn("NATS drain failed", zap.Error(err))
		c.conn.Close()
	}
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// createTLSConfig builds server verification from caFile and, when both
// certFile and keyFile are set, a client certificate.
func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("client certificate and key must be set together")
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
		}
		cfg.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
