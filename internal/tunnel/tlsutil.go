package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const defaultALPNProto = "quic-proxy"

func defaultALPN(next []string) []string {
	if len(next) > 0 {
		return next
	}
	return []string{defaultALPNProto}
}

// ServerIdentity is the certificate chain and key the backend presents.
type ServerIdentity struct {
	Certificate tls.Certificate
	// Generated is true for an ephemeral self-signed certificate from
	// GenerateServerIdentity.
	Generated bool
}

// LoadServerIdentity reads a PEM certificate chain and private key. Both
// paths are required.
func LoadServerIdentity(certFile, keyFile string) (ServerIdentity, error) {
	if certFile == "" || keyFile == "" {
		return ServerIdentity{}, fmt.Errorf("%w: backend.ssl_certificate and backend.ssl_certificate_key are required", ErrConfig)
	}
	c, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return ServerIdentity{}, wrap(ErrConfig, "load certificate", err)
	}
	return ServerIdentity{Certificate: c}, nil
}

// GenerateServerIdentity creates an ephemeral self-signed certificate for
// localhost. Development only: the frontend then needs insecure_skip_verify
// or the certificate in its root set.
func GenerateServerIdentity() (ServerIdentity, error) {
	certPEM, keyPEM, err := GenerateSelfSigned([]string{"localhost", "127.0.0.1", "::1"}, 365*24*time.Hour)
	if err != nil {
		return ServerIdentity{}, wrap(ErrConfig, "generate certificate", err)
	}
	c, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return ServerIdentity{}, wrap(ErrConfig, "generate certificate", err)
	}
	return ServerIdentity{Certificate: c, Generated: true}, nil
}

// ServerTLSConfig builds the backend TLS config: one chain, no client auth.
func (id ServerIdentity) ServerTLSConfig(alpn []string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		ClientAuth:   tls.NoClientCert,
		NextProtos:   defaultALPN(alpn),
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTrust decides how the frontend validates the backend certificate.
type ClientTrust struct {
	// Roots is the root set for chain verification; nil means system roots.
	Roots *x509.CertPool
	// InsecureSkipVerify accepts any certificate. Development only.
	InsecureSkipVerify bool
}

// LoadClientTrust builds the chain-verifying profile from a PEM root bundle
// (empty caFile = system roots), or the accept-any profile when insecure is
// set explicitly.
func LoadClientTrust(caFile string, insecure bool) (ClientTrust, error) {
	if insecure {
		return ClientTrust{InsecureSkipVerify: true}, nil
	}
	if caFile == "" {
		return ClientTrust{}, nil
	}
	b, err := os.ReadFile(caFile)
	if err != nil {
		return ClientTrust{}, wrap(ErrConfig, "read ca_file", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return ClientTrust{}, fmt.Errorf("%w: ca_file %s: no PEM certificates found", ErrConfig, caFile)
	}
	return ClientTrust{Roots: pool}, nil
}

// ClientTLSConfig builds the frontend TLS config: no client certificate.
func (t ClientTrust) ClientTLSConfig(serverName string, alpn []string) *tls.Config {
	return &tls.Config{
		RootCAs:            t.Roots,
		ServerName:         serverName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		NextProtos:         defaultALPN(alpn),
		MinVersion:         tls.VersionTLS13,
	}
}

// GenerateSelfSigned returns a PEM certificate and PKCS#8 key for hosts
// (DNS names or IP literals). The certificate is its own root, so it can be
// used directly as a trust anchor.
func GenerateSelfSigned(hosts []string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, err
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "quic-proxy",
		},
		NotBefore:             time.Now().Add(-1 * time.Minute),
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return nil, nil, err
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM, nil
}
