package ws

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/LLIEPJIOK/service-mesh/wsgate/pkg/ws/keystore"
)

// SSLConfig is the declarative TLS configuration of a connect or bind request.
// KeyStore and TrustStore are file paths.
type SSLConfig struct {
	Protocol           string `json:"protocol,omitempty"`
	KeyStoreFormat     string `json:"keyStoreFormat,omitempty"`
	KeyStore           string `json:"keyStore,omitempty"`
	KeyStorePassword   string `json:"keyStorePassword,omitempty"`
	TrustStoreFormat   string `json:"trustStoreFormat,omitempty"`
	TrustStore         string `json:"trustStore,omitempty"`
	TrustStorePassword string `json:"trustStorePassword,omitempty"`
	// WantClientAuth requests, without requiring, a client certificate in the
	// server role. Nil means true.
	WantClientAuth *bool `json:"wantClientAuth,omitempty"`
}

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}

	return "client"
}

const DefaultProtocol = "TLSv1.2"

var errKeyStoreRequired = errors.New("keyStore is required in the server role")

type versionRange struct {
	min, max uint16
}

var protocols = map[string]versionRange{
	"TLS":     {tls.VersionTLS12, tls.VersionTLS13},
	"TLSV1":   {tls.VersionTLS10, tls.VersionTLS10},
	"TLSV1.1": {tls.VersionTLS11, tls.VersionTLS11},
	"TLSV1.2": {tls.VersionTLS12, tls.VersionTLS12},
	"TLSV1.3": {tls.VersionTLS13, tls.VersionTLS13},
}

// BuildTLSConfig turns cfg into a *tls.Config for the given role. Every
// failure wraps ErrTLSConfig.
func BuildTLSConfig(cfg SSLConfig, role Role) (*tls.Config, error) {
	out, err := buildTLSConfig(cfg, role)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTLSConfig, role, err)
	}

	return out, nil
}

func buildTLSConfig(cfg SSLConfig, role Role) (*tls.Config, error) {
	proto := cfg.Protocol
	if proto == "" {
		proto = DefaultProtocol
	}

	versions, ok := protocols[strings.ToUpper(proto)]
	if !ok {
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}

	out := &tls.Config{
		MinVersion: versions.min,
		MaxVersion: versions.max,
	}

	if cfg.KeyStore == "" && role == RoleServer {
		return nil, errKeyStoreRequired
	}

	if cfg.KeyStore != "" {
		format, err := keystore.ParseFormat(cfg.KeyStoreFormat)
		if err != nil {
			return nil, err
		}

		certs, err := keystore.LoadKeyPairs(cfg.KeyStore, format, cfg.KeyStorePassword)
		if err != nil {
			return nil, err
		}

		out.Certificates = certs
	}

	roots, err := trustRoots(cfg)
	if err != nil {
		return nil, err
	}

	switch role {
	case RoleClient:
		// A nil pool selects the system roots; host names are verified
		// against the dialed URI.
		out.RootCAs = roots

	case RoleServer:
		if roots == nil {
			roots, err = x509.SystemCertPool()
			if err != nil {
				return nil, fmt.Errorf("system trust roots: %w", err)
			}
		}

		out.ClientCAs = roots
		out.ClientAuth = tls.NoClientCert
		if cfg.WantClientAuth == nil || *cfg.WantClientAuth {
			out.ClientAuth = tls.VerifyClientCertIfGiven
		}

		out.NextProtos = []string{"http/1.1"}
	}

	return out, nil
}

func trustRoots(cfg SSLConfig) (*x509.CertPool, error) {
	if cfg.TrustStore == "" {
		return nil, nil
	}

	format, err := keystore.ParseFormat(cfg.TrustStoreFormat)
	if err != nil {
		return nil, err
	}

	return keystore.CertPool(cfg.TrustStore, format, cfg.TrustStorePassword)
}
