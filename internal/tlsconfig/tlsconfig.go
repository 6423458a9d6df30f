// Package tlsconfig builds the TLS configuration the relay's
// WebSocket listener upgrades connections under when operators choose
// to terminate TLS in-process rather than behind a reverse proxy
// (spec.md's Non-goals explicitly leave authentication/authorization
// to the operator, but carrying a sane TLS default remains an ambient
// concern, not a feature the Non-goals exclude).
package tlsconfig

import (
	"crypto/tls"

	"github.com/pkg/errors"
)

// New returns a hardened TLS config for certPath/keyPath, suitable for
// directly exposing the relay's listener to untrusted networks. The
// cipher suite and curve restrictions mirror a conservative, public-
// facing baseline: TLS 1.2 minimum, AES-256-GCM with SHA-384 as the
// only cipher (one suite each for RSA and ECDSA certificates), and the
// P-256 curve.
func New(certPath, keyPath string) (*tls.Config, error) {

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading TLS certificate and key")
	}

	return &tls.Config{
		Certificates:     []tls.Certificate{cert},
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.CurveP256},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
	}, nil
}
