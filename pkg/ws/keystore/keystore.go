// Package keystore loads key and trust material from PKCS#12, JKS and PEM
// files into crypto/tls types.
package keystore

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

type Format string

const (
	FormatPKCS12 Format = "PKCS12"
	FormatJKS    Format = "JKS"
	FormatPEM    Format = "PEM"
)

// DefaultFormat is used when no format is configured.
const DefaultFormat = FormatPKCS12

var (
	ErrUnknownFormat = errors.New("unknown keystore format")
	ErrNoKeyEntry    = errors.New("keystore holds no private key entry")
	ErrNoCertificate = errors.New("keystore holds no certificate")
)

// ParseFormat is case-insensitive; the empty string yields DefaultFormat.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return DefaultFormat, nil
	case "PKCS12", "PKCS#12", "P12", "PFX":
		return FormatPKCS12, nil
	case "JKS":
		return FormatJKS, nil
	case "PEM":
		return FormatPEM, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// LoadKeyPairs reads every private key entry of the store at path together
// with its certificate chain. Passwords are ignored for PEM files.
func LoadKeyPairs(path string, f Format, password string) ([]tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var certs []tls.Certificate

	switch f {
	case FormatPKCS12:
		certs, err = pkcs12KeyPairs(data, password)
	case FormatJKS:
		certs, err = jksKeyPairs(data, password)
	case FormatPEM:
		certs, err = pemKeyPairs(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}

	if err != nil {
		return nil, fmt.Errorf("load %s keystore %s: %w", f, path, err)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("load %s keystore %s: %w", f, path, ErrNoKeyEntry)
	}

	return certs, nil
}

// LoadTrustedCerts reads every certificate of the trust store at path.
func LoadTrustedCerts(path string, f Format, password string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read truststore: %w", err)
	}

	var certs []*x509.Certificate

	switch f {
	case FormatPKCS12:
		certs, err = pkcs12Trusted(data, password)
	case FormatJKS:
		certs, err = jksTrusted(data, password)
	case FormatPEM:
		certs, err = pemCertificates(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}

	if err != nil {
		return nil, fmt.Errorf("load %s truststore %s: %w", f, path, err)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("load %s truststore %s: %w", f, path, ErrNoCertificate)
	}

	return certs, nil
}

// CertPool is LoadTrustedCerts collected into a pool.
func CertPool(path string, f Format, password string) (*x509.CertPool, error) {
	certs, err := LoadTrustedCerts(path, f, password)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}

	return pool, nil
}

func pkcs12KeyPairs(data []byte, password string) ([]tls.Certificate, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, err
	}

	return []tls.Certificate{keyPair(key, leaf, chain)}, nil
}

// pkcs12Trusted accepts Java-style trust stores as well as ordinary PKCS#12
// bundles, whose certificates are all taken as trusted.
func pkcs12Trusted(data []byte, password string) ([]*x509.Certificate, error) {
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err == nil {
		return certs, nil
	}

	_, leaf, chain, chainErr := pkcs12.DecodeChain(data, password)
	if chainErr != nil {
		return nil, err
	}

	return append([]*x509.Certificate{leaf}, chain...), nil
}

func jksLoad(data []byte, password string) (jks.KeyStore, error) {
	ks := jks.New()
	if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
		return ks, err
	}

	return ks, nil
}

func jksKeyPairs(data []byte, password string) ([]tls.Certificate, error) {
	ks, err := jksLoad(data, password)
	if err != nil {
		return nil, err
	}

	var out []tls.Certificate

	for _, alias := range ks.Aliases() {
		if !ks.IsPrivateKeyEntry(alias) {
			continue
		}

		entry, err := ks.GetPrivateKeyEntry(alias, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", alias, err)
		}

		key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", alias, err)
		}

		chain := make([]*x509.Certificate, 0, len(entry.CertificateChain))
		for _, c := range entry.CertificateChain {
			cert, err := x509.ParseCertificate(c.Content)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", alias, err)
			}

			chain = append(chain, cert)
		}

		if len(chain) == 0 {
			return nil, fmt.Errorf("entry %q: %w", alias, ErrNoCertificate)
		}

		out = append(out, keyPair(key, chain[0], chain[1:]))
	}

	return out, nil
}

func jksTrusted(data []byte, password string) ([]*x509.Certificate, error) {
	ks, err := jksLoad(data, password)
	if err != nil {
		return nil, err
	}

	var out []*x509.Certificate

	for _, alias := range ks.Aliases() {
		if !ks.IsTrustedCertificateEntry(alias) {
			continue
		}

		entry, err := ks.GetTrustedCertificateEntry(alias)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", alias, err)
		}

		cert, err := x509.ParseCertificate(entry.Certificate.Content)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", alias, err)
		}

		out = append(out, cert)
	}

	return out, nil
}

// pemKeyPairs expects the certificate chain and its private key in one file.
func pemKeyPairs(data []byte) ([]tls.Certificate, error) {
	pair, err := tls.X509KeyPair(data, data)
	if err != nil {
		return nil, err
	}

	return []tls.Certificate{pair}, nil
}

func pemCertificates(data []byte) ([]*x509.Certificate, error) {
	var out []*x509.Certificate

	for {
		var block *pem.Block

		block, data = pem.Decode(data)
		if block == nil {
			return out, nil
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}

		out = append(out, cert)
	}
}

func keyPair(key crypto.PrivateKey, leaf *x509.Certificate, chain []*x509.Certificate) tls.Certificate {
	pair := tls.Certificate{
		PrivateKey: key,
		Leaf:       leaf,
	}

	pair.Certificate = append(pair.Certificate, leaf.Raw)
	for _, c := range chain {
		pair.Certificate = append(pair.Certificate, c.Raw)
	}

	return pair
}
