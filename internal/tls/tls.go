// Package tls builds the listener TLS configuration of the supervisor API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/blockvisor/internal/config"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// ErrNoCertificate is returned when TLS is enabled without a usable certificate source.
var ErrNoCertificate = errors.New("tls enabled but no certificate configured")

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default", "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported tls version %q", ver)
}

// Setup returns the server TLS config, or nil when TLS is disabled. Explicit
// cert_file/key_file win over dir; with auto_generate a missing pair in dir
// is created self-signed.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseTLSVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath, keyPath = filepath.Join(cfg.Dir, certName), filepath.Join(cfg.Dir, keyName)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := generateSelfSigned(certPath, keyPath, cfg.Hosts); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}

	// a bad pair fails here, at startup
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		// reloaded on every handshake
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &cert, err
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
