package queue

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultEmbeddedMaxMem is the JetStream memory limit of the embedded server (256 MiB).
	DefaultEmbeddedMaxMem = 256 << 20
	// DefaultEmbeddedMaxStore is the JetStream file storage limit (1 GiB).
	DefaultEmbeddedMaxStore = 1 << 30
)

// EmbeddedConfig configures an in-process NATS server.
type EmbeddedConfig struct {
	// Host and Port to listen on. Port -1 picks a free port.
	Host     string
	Port     int
	StoreDir string
	Token    string
}

// EmbeddedServer is an in-process NATS server with JetStream, for single
// node deployments that want durable queueing without running NATS.
type EmbeddedServer struct {
	server *server.Server
	token  string
}

// StartEmbedded starts a JetStream-enabled NATS server and waits until it
// accepts connections.
func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("embedded NATS needs a store dir")
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("create NATS store dir: %w", err)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	opts := &server.Options{
		ServerName:         "trackbridge",
		Host:               cfg.Host,
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: DefaultEmbeddedMaxMem,
		JetStreamMaxStore:  DefaultEmbeddedMaxStore,
		StoreDir:           cfg.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within 10 seconds")
	}
	return &EmbeddedServer{server: ns, token: cfg.Token}, nil
}

// ClientURL is the URL clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.server.ClientURL()
}

// Connect opens a client connection to the server.
func (e *EmbeddedServer) Connect() (*nats.Conn, error) {
	opts := []nats.Option{nats.Name("trackbridge-embedded")}
	if e.token != "" {
		opts = append(opts, nats.Token(e.token))
	}
	nc, err := nats.Connect(e.ClientURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}
	return nc, nil
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}
