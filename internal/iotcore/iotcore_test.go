package iotcore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/internal/config"
)

func ecKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func TestClientIDAndTopics(t *testing.T) {
	d := Device{Project: "p", Region: "us-central1", Registry: "gateway_registry", ID: "ESP32_1"}
	assert.Equal(t, "projects/p/locations/us-central1/registries/gateway_registry/devices/ESP32_1", d.ClientID())
	assert.Equal(t, "/devices/ESP32_1/events", EventsTopic("ESP32_1", ""))
	assert.Equal(t, "/devices/ESP32_1/events/alive", EventsTopic("ESP32_1", "alive"))
	assert.Equal(t, "/devices/ESP32_1/events/config", EventsTopic("ESP32_1", "/config/"))
}

func TestCreateJWTES256(t *testing.T) {
	key, keyPEM := ecKey(t)
	now := time.Now().Truncate(time.Second)

	signed, err := CreateJWT("primeval-yew", keyPEM, "ES256", now, 0)
	require.NoError(t, err)

	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(signed, &claims, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	require.True(t, tok.Valid)
	assert.Equal(t, jwt.ClaimStrings{"primeval-yew"}, claims.Audience)
	assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestCreateJWTRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	signed, err := CreateJWT("p", keyPEM, "rs256", time.Now(), 5*time.Minute)
	require.NoError(t, err)
	_, err = jwt.Parse(signed, func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
		jwt.WithValidMethods([]string{"RS256"}))
	assert.NoError(t, err)
}

func TestCreateJWTErrors(t *testing.T) {
	_, keyPEM := ecKey(t)
	_, err := CreateJWT("p", keyPEM, "HS256", time.Now(), 0)
	assert.Error(t, err)
	_, err = CreateJWT("p", []byte("not a key"), "ES256", time.Now(), 0)
	assert.Error(t, err)
	_, err = CreateJWT("p", keyPEM, "RS256", time.Now(), 0)
	assert.Error(t, err)
}

func TestBridgeOptions(t *testing.T) {
	dir := t.TempDir()
	_, keyPEM := ecKey(t)
	keyFile := filepath.Join(dir, "ec_private.pem")
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	b := FromConfig(config.Bridge{
		Project:    "p",
		Region:     "us-central1",
		Registry:   "r",
		Device:     "d",
		PrivateKey: keyFile,
		Algorithm:  "ES256",
	})
	opts, err := b.Options(time.Now(), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBridge, opts.BrokerURL)
	assert.Equal(t, "projects/p/locations/us-central1/registries/r/devices/d", opts.ClientID)
	assert.Equal(t, Username, opts.Username)
	assert.NotEmpty(t, opts.Password)
	require.NotNil(t, opts.TLS)
	assert.Nil(t, opts.TLS.RootCAs)
	assert.True(t, opts.NoReconnect)
	assert.True(t, opts.NoConnectRetry)

	b.RootCA = keyFile
	_, err = b.Options(time.Now(), nil)
	assert.Error(t, err, "a key file holds no certificates")

	b.PrivateKey = filepath.Join(dir, "missing.pem")
	_, err = b.Options(time.Now(), nil)
	assert.Error(t, err)
}
