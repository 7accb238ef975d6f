package lndrpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/photonpay/photond/internal/config"
)

// Credentials holds everything needed to reach a node endpoint. CertPath and
// MacaroonPath may be empty: a hosted endpoint presents a publicly trusted
// certificate and handles authentication itself, and the WalletUnlocker
// service accepts unauthenticated calls.
type Credentials struct {
	Host         string
	CertPath     string
	MacaroonPath string
	Ciphers      CipherPolicy
}

// tlsConfig builds the client TLS configuration. A configured certificate
// path pins the node's self-signed certificate as the sole root; otherwise
// the system pool verifies the server.
func (c Credentials) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.CertPath != "" {
		pem, err := os.ReadFile(config.ExpandPath(c.CertPath))
		if err != nil {
			return nil, &ConnectError{Host: c.Host, Kind: FailureCertificate, Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &ConnectError{
				Host: c.Host,
				Kind: FailureCertificate,
				Err:  fmt.Errorf("no certificates parsed from %s", c.CertPath),
			}
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// macaroonCreds attaches the hex-encoded macaroon to every RPC. Returns nil
// when no macaroon is configured.
func (c Credentials) macaroonCreds() (*macaroonCredential, error) {
	if c.MacaroonPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(config.ExpandPath(c.MacaroonPath))
	if err != nil {
		return nil, &ConnectError{Host: c.Host, Kind: FailureMacaroon, Err: err}
	}
	return &macaroonCredential{hexMacaroon: hex.EncodeToString(raw)}, nil
}

type macaroonCredential struct {
	hexMacaroon string
}

func (m *macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.hexMacaroon}, nil
}

// RequireTransportSecurity reports false so the same credential works over
// test bufconn transports; production dials always carry TLS regardless.
func (m *macaroonCredential) RequireTransportSecurity() bool { return false }
