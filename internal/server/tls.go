package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	devCertName = "dev_cert.pem"
	devKeyName  = "dev_key.pem"

	// 浏览器通过 serverCertificateHashes 信任自签名证书时有效期不能超过 14 天
	devCertValidity = 10 * 24 * time.Hour
)

func webTransportTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3", "webtransport"},
		MinVersion:   tls.VersionTLS13,
	}
}

// loadTLSConfig 优先使用配置的证书，否则在 dir 下加载或生成开发证书
func loadTLSConfig(certFile, keyFile, dir string, logger *slog.Logger) (*tls.Config, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls certificate: %w", err)
		}
		logger.Info("Loaded TLS certificate", "cert_file", certFile, "key_file", keyFile)
		return webTransportTLSConfig(cert), nil
	}

	logger.Warn("No TLS certificate configured, using self-signed certificate")
	cert, err := loadOrCreateDevCert(dir, logger)
	if err != nil {
		return nil, err
	}
	return webTransportTLSConfig(cert), nil
}

// loadOrCreateDevCert 生成或加载自签名证书（仅用于开发环境）
// 证书过期后重新生成
func loadOrCreateDevCert(dir string, logger *slog.Logger) (tls.Certificate, error) {
	certFile := filepath.Join(dir, devCertName)
	keyFile := filepath.Join(dir, devKeyName)

	if cert, err := tls.LoadX509KeyPair(certFile, keyFile); err == nil && cert.Leaf != nil && time.Now().Before(cert.Leaf.NotAfter) {
		logger.Info("Loaded existing dev certificate", "cert", certFile, "sha256", certHash(cert))
		return cert, nil
	}

	logger.Info("Generating new dev certificate", "dir", dir)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"IM Realtime Dev"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(devCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// 保存失败不影响启动，只是下次会重新生成
	if err := os.MkdirAll(dir, 0o700); err == nil {
		if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
			logger.Warn("Failed to save dev certificate", "error", err)
		} else if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
			logger.Warn("Failed to save dev key", "error", err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}
	logger.Info("Dev certificate ready", "cert", certFile, "sha256", certHash(cert))
	return cert, nil
}

// certHash 客户端 serverCertificateHashes 使用的 SHA-256
func certHash(cert tls.Certificate) string {
	if len(cert.Certificate) == 0 {
		return ""
	}
	sum := sha256.Sum256(cert.Certificate[0])
	return hex.EncodeToString(sum[:])
}
