package nats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedConfig holds settings for the in-process NATS server.
type EmbeddedConfig struct {
	// DataDir is the JetStream persistence directory
	DataDir string

	// Host is the bind address (default 127.0.0.1)
	Host string

	// Port is the server port (default 4222, -1 for a random port)
	Port int

	// Queue is the stream/consumer configuration layered on top
	Queue Config
}

// EmbeddedServer runs an in-process NATS server with JetStream and exposes
// a Client connected to it. Used for single-binary development mode.
type EmbeddedServer struct {
	server *server.Server
	client *Client
}

// StartEmbedded boots the embedded server and connects a client to it.
func StartEmbedded(ctx context.Context, cfg *EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 4222
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/nats"
	}

	storeDir := filepath.Join(cfg.DataDir, "jetstream")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create NATS data dir: %w", err)
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  storeDir,
		NoSigs:    true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded NATS server did not become ready")
	}

	slog.Info("Embedded NATS server started", "url", srv.ClientURL(), "storeDir", storeDir)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	queueCfg := cfg.Queue
	queueCfg.setDefaults()
	client, err := newClientFromConn(ctx, conn, &queueCfg)
	if err != nil {
		conn.Close()
		srv.Shutdown()
		return nil, err
	}

	return &EmbeddedServer{server: srv, client: client}, nil
}

// Client returns the client connected to the embedded server.
func (e *EmbeddedServer) Client() *Client { return e.client }

// Shutdown stops the client and the server.
func (e *EmbeddedServer) Shutdown() {
	if e.client != nil {
		e.client.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
	slog.Info("Embedded NATS server stopped")
}
