package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// ServerName is the name the agent certificate is issued for. Clients verify it regardless of the address they dial.
const ServerName = "tclconsole-agent"

const (
	caCertFile     = "ca.pem"
	serverCertFile = "server.pem"
	serverKeyFile  = "server-key.pem"
	clientCertFile = "client.pem"
	clientKeyFile  = "client-key.pem"

	certValidity = 30 * 24 * time.Hour
)

// Certs holds the CA and the key pairs for mutual TLS between an agent and its clients.
// The keys grant control of the console, so handle them carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		ServerName:   ServerName,
	}, nil
}

func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func serialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func buildCACert(subject pkix.Name, now time.Time) (CACert, error) {
	serial, err := serialNumber()
	if err != nil {
		return CACert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return CACert{}, fmt.Errorf("creating CA cert: %w", err)
	}
	return CACert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		x509Cert:     tmpl,
		privKey:      key,
	}, nil
}

func buildCert(ca CACert, cn string, usage x509.ExtKeyUsage, now time.Time) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{ServerName},
		NotBefore:    now,
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.x509Cert, &key.PublicKey, ca.privKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return Cert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}),
	}, nil
}

// GenerateCerts creates a fresh CA and a server and client key pair signed by it.
func GenerateCerts() (*Certs, error) {
	now := time.Now()
	ca, err := buildCACert(pkix.Name{CommonName: "tclconsole CA"}, now)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := buildCert(ca, ServerName, x509.ExtKeyUsageServerAuth, now)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := buildCert(ca, "tclconsole-client", x509.ExtKeyUsageClientAuth, now)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{Server: server, Client: client, CA: ca}, nil
}

// WriteFiles stores the certificates in dir as PEM files. The CA key is not written, so no further certificates can be
// issued from it.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := map[string][]byte{
		caCertFile:     c.CA.CertPEMBytes,
		serverCertFile: c.Server.CertPEMBytes,
		serverKeyFile:  c.Server.KeyPEMBytes,
		clientCertFile: c.Client.CertPEMBytes,
		clientKeyFile:  c.Client.KeyPEMBytes,
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// ReadCerts loads certificates written by WriteFiles. Missing files are left empty, so a client directory without the
// server key still loads.
func ReadCerts(dir string) (*Certs, error) {
	read := func(name string) ([]byte, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		return b, nil
	}
	c := &Certs{}
	targets := []struct {
		name string
		dst  *[]byte
	}{
		{caCertFile, &c.CA.CertPEMBytes},
		{serverCertFile, &c.Server.CertPEMBytes},
		{serverKeyFile, &c.Server.KeyPEMBytes},
		{clientCertFile, &c.Client.CertPEMBytes},
		{clientKeyFile, &c.Client.KeyPEMBytes},
	}
	for _, t := range targets {
		b, err := read(t.name)
		if err != nil {
			return nil, err
		}
		*t.dst = b
	}
	if len(c.CA.CertPEMBytes) == 0 {
		return nil, fmt.Errorf("no %s in %s", caCertFile, dir)
	}
	return c, nil
}
