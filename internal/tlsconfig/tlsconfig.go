// Package tlsconfig is the thin TLS-listener/certificate-loading
// collaborator spec.md §1 treats as external plumbing, not part of the
// core's value.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
)

// Load reads a PEM certificate/key pair and returns a bare *tls.Config
// carrying it; ALPN and minimum version are set by the caller (server.go
// pins them to "h2" / TLS 1.2, since that is a core protocol requirement,
// not listener plumbing).
func Load(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: loading key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}, nil
}
