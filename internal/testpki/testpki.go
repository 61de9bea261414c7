// Package testpki создаёт одноразовые CA для тестов и записывает их материал
// в хранилища PKCS#12, JKS и PEM.
package testpki

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

// Password защищает все хранилища, которые пишет пакет.
const Password = "changeit"

type Leaf struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

type PKI struct {
	CA     *x509.Certificate
	CAKey  *ecdsa.PrivateKey
	Server Leaf
	Client Leaf
}

// New создаёт CA с серверным сертификатом для localhost и 127.0.0.1 и
// клиентским сертификатом.
func New(t testing.TB) *PKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate CA key: %v", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test CA"},
			CommonName:   "Test CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create CA certificate: %v", err)
	}

	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("failed to parse CA certificate: %v", err)
	}

	p := &PKI{CA: ca, CAKey: caKey}
	p.Server = p.Sign(t, "server", 2)
	p.Client = p.Sign(t, "client", 3)

	return p
}

// Sign выпускает сертификат для cn, подписанный CA.
func (p *PKI) Sign(t testing.TB, cn string, serial int64) Leaf {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   cn,
		},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, p.CA, &key.PublicKey, p.CAKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	return Leaf{Cert: cert, Key: key}
}

// WritePKCS12 записывает leaf и цепочку CA в хранилище ключей PKCS#12.
func (p *PKI) WritePKCS12(t testing.TB, leaf Leaf) string {
	t.Helper()

	data, err := pkcs12.Modern.Encode(leaf.Key, leaf.Cert, []*x509.Certificate{p.CA}, Password)
	if err != nil {
		t.Fatalf("failed to encode PKCS#12 key store: %v", err)
	}

	return write(t, "keystore.p12", data)
}

// WritePKCS12TrustStore записывает CA в хранилище доверия PKCS#12.
func (p *PKI) WritePKCS12TrustStore(t testing.TB) string {
	t.Helper()

	data, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{p.CA}, Password)
	if err != nil {
		t.Fatalf("failed to encode PKCS#12 trust store: %v", err)
	}

	return write(t, "truststore.p12", data)
}

// WriteJKS записывает leaf и цепочку CA как запись "server" хранилища
// ключей JKS.
func (p *PKI) WriteJKS(t testing.TB, leaf Leaf) string {
	t.Helper()

	keyDER, err := x509.MarshalPKCS8PrivateKey(leaf.Key)
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}

	ks := jks.New()

	err = ks.SetPrivateKeyEntry("server", jks.PrivateKeyEntry{
		CreationTime: time.Now(),
		PrivateKey:   keyDER,
		CertificateChain: []jks.Certificate{
			{Type: "X509", Content: leaf.Cert.Raw},
			{Type: "X509", Content: p.CA.Raw},
		},
	}, []byte(Password))
	if err != nil {
		t.Fatalf("failed to add JKS key entry: %v", err)
	}

	return storeJKS(t, ks, "keystore.jks")
}

// WriteJKSTrustStore записывает CA как запись "ca" хранилища доверия JKS.
func (p *PKI) WriteJKSTrustStore(t testing.TB) string {
	t.Helper()

	ks := jks.New()

	err := ks.SetTrustedCertificateEntry("ca", jks.TrustedCertificateEntry{
		CreationTime: time.Now(),
		Certificate:  jks.Certificate{Type: "X509", Content: p.CA.Raw},
	})
	if err != nil {
		t.Fatalf("failed to add JKS trusted entry: %v", err)
	}

	return storeJKS(t, ks, "truststore.jks")
}

// WritePEM записывает leaf, CA и закрытый ключ leaf в один PEM файл.
func (p *PKI) WritePEM(t testing.TB, leaf Leaf) string {
	t.Helper()

	keyDER, err := x509.MarshalPKCS8PrivateKey(leaf.Key)
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}

	var buf bytes.Buffer
	_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: leaf.Cert.Raw})
	_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.CA.Raw})
	_ = pem.Encode(&buf, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return write(t, "keystore.pem", buf.Bytes())
}

// WritePEMTrustStore записывает сертификат CA в формате PEM.
func (p *PKI) WritePEMTrustStore(t testing.TB) string {
	t.Helper()

	return write(t, "truststore.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.CA.Raw}))
}

func storeJKS(t testing.TB, ks jks.KeyStore, name string) string {
	t.Helper()

	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(Password)); err != nil {
		t.Fatalf("failed to store JKS: %v", err)
	}

	return write(t, name, buf.Bytes())
}

func write(t testing.TB, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}

	return path
}
