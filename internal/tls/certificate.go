package tls

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

const validity = 365 * 24 * time.Hour

// DefaultHosts are put in a generated certificate when none are given.
var DefaultHosts = []string{"localhost", "127.0.0.1"}

// EnsureCertificate ensures a certificate exists, generating a self-signed
// one for hosts if either file is missing.
func EnsureCertificate(logger *zap.Logger, certFile, keyFile string, hosts ...string) error {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if certErr == nil && keyErr == nil {
		logger.Info("using existing certificate files", zap.String("cert", certFile), zap.String("key", keyFile))
		return nil
	}
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	return generateSelfSignedCert(logger, certFile, keyFile, hosts)
}

// generateSelfSignedCert creates a self-signed certificate and key
func generateSelfSignedCert(logger *zap.Logger, certFile, keyFile string, hosts []string) error {
	logger.Info("generating self-signed certificate", zap.Strings("hosts", hosts))

	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create certificate directory: %w", err)
		}
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Braid-HTTP Server"},
			CommonName:   hosts[0],
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	if err := atomic.WriteFile(certFile, bytes.NewReader(certPEM)); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	if err := atomic.WriteFile(keyFile, bytes.NewReader(keyPEM)); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.Chmod(keyFile, 0o600); err != nil {
		return fmt.Errorf("failed to restrict private key: %w", err)
	}

	logger.Info("generated self-signed certificate", zap.String("cert", certFile), zap.String("key", keyFile))
	return nil
}
