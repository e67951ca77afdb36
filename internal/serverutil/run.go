// Package serverutil runs HTTP servers with context-driven graceful shutdown.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key files for a TLS listener. Both
// fields must be set together.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config describes one server run.
type Config struct {
	Server *http.Server
	TLS    TLSConfig
	// ShutdownTimeout bounds the drain of in-flight requests once the
	// context is cancelled. Defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
	// Ready, when non-nil, is closed once the listener is accepting.
	Ready chan<- struct{}
}

// DefaultShutdownTimeout is the drain bound applied when the config leaves
// ShutdownTimeout zero.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves cfg.Server until the context is cancelled or the server fails,
// then drains in-flight requests within the shutdown timeout. A clean
// shutdown returns nil.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("TLS requires both a certificate file and a key file")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	if cfg.TLS.CertFile != "" {
		listener, err = wrapTLSListener(listener, cfg.Server, cfg.TLS)
		if err != nil {
			return err
		}
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	served := make(chan error, 1)
	go func() {
		served <- cfg.Server.Serve(listener)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := cfg.Server.Shutdown(drainCtx)

	select {
	case err := <-served:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-drainCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return drainCtx.Err()
	}

	return shutdownErr
}

// wrapTLSListener loads the keypair and layers TLS over the raw listener.
// The server's own TLSConfig is cloned so a shared config is not mutated;
// the loaded certificate takes precedence over any it already carries.
func wrapTLSListener(listener net.Listener, server *http.Server, cfg TLSConfig) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		listener.Close()
		return nil, err
	}
	tlsCfg := server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	server.TLSConfig = tlsCfg
	return tls.NewListener(listener, tlsCfg), nil
}
