package server

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateDevCert(t *testing.T) {
	dir := t.TempDir()
	logger := discardLogger()

	first, err := loadOrCreateDevCert(dir, logger)
	require.NoError(t, err)
	require.NotEmpty(t, first.Certificate)

	_, err = os.Stat(filepath.Join(dir, devCertName))
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, devKeyName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// 第二次启动复用同一张证书，客户端固定的哈希不变
	second, err := loadOrCreateDevCert(dir, logger)
	require.NoError(t, err)
	assert.Equal(t, certHash(first), certHash(second))
	require.NotNil(t, second.Leaf)
	assert.True(t, second.Leaf.NotAfter.Before(time.Now().Add(14*24*time.Hour)))
	assert.Contains(t, second.Leaf.DNSNames, "localhost")
}

func TestLoadTLSConfig(t *testing.T) {
	logger := discardLogger()

	cfg, err := loadTLSConfig("", "", t.TempDir(), logger)
	require.NoError(t, err)
	assert.Equal(t, []string{"h3", "webtransport"}, cfg.NextProtos)
	assert.Len(t, cfg.Certificates, 1)

	_, err = loadTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", t.TempDir(), logger)
	assert.Error(t, err)
}

func TestCertHash_Empty(t *testing.T) {
	assert.Empty(t, certHash(tls.Certificate{}))
}
