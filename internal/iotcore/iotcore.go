// Package iotcore holds the helpers for talking to a cloud IoT MQTT bridge:
// device client IDs, event topics and the JWT used as the MQTT password.
package iotcore

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshrelay/internal/config"
	"github.com/meshrelay/internal/mqttclient"
)

const (
	DefaultBridge = "ssl://mqtt.googleapis.com:8883"
	DefaultTTL    = 60 * time.Minute

	// Username is ignored by the bridge; authentication is the JWT alone.
	Username = "unused"
)

// Device identifies one registered device.
type Device struct {
	Project  string
	Region   string
	Registry string
	ID       string
}

// ClientID is the MQTT client id the bridge expects for d.
func (d Device) ClientID() string {
	return ClientID(d.Project, d.Region, d.Registry, d.ID)
}

func ClientID(project, region, registry, device string) string {
	return fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s", project, region, registry, device)
}

// EventsTopic is /devices/<device>/events, or the subfolder below it.
func EventsTopic(device, subfolder string) string {
	t := "/devices/" + device + "/events"
	if subfolder = strings.Trim(subfolder, "/"); subfolder != "" {
		t += "/" + subfolder
	}
	return t
}

// CreateJWT signs the bridge password for project with keyPEM using alg
// (ES256 or RS256). A ttl of zero means DefaultTTL.
func CreateJWT(project string, keyPEM []byte, alg string, now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Audience:  jwt.ClaimStrings{project},
	}
	var (
		key    any
		err    error
		method jwt.SigningMethod
	)
	switch strings.ToUpper(alg) {
	case "ES256":
		method = jwt.SigningMethodES256
		key, err = jwt.ParseECPrivateKeyFromPEM(keyPEM)
	case "RS256":
		method = jwt.SigningMethodRS256
		key, err = jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	default:
		return "", fmt.Errorf("iotcore: unsupported algorithm %q", alg)
	}
	if err != nil {
		return "", fmt.Errorf("iotcore: parse %s key: %w", alg, err)
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("iotcore: sign: %w", err)
	}
	return signed, nil
}

// TLSConfig trusts the roots in caFile, or the system pool when caFile is
// empty.
func TLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("iotcore: read root CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("iotcore: no certificates in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Bridge is everything needed to connect a device to the bridge.
type Bridge struct {
	Broker     string
	Device     Device
	PrivateKey string
	Algorithm  string
	RootCA     string
	TTL        time.Duration
}

// FromConfig maps the bridge section of the configuration.
func FromConfig(c config.Bridge) Bridge {
	return Bridge{
		Broker:     c.Host,
		Device:     Device{Project: c.Project, Region: c.Region, Registry: c.Registry, ID: c.Device},
		PrivateKey: c.PrivateKey,
		Algorithm:  c.Algorithm,
		RootCA:     c.RootCA,
	}
}

// Options builds mqttclient options for b with a freshly signed JWT.
// Reconnects and connect retries are left to the caller since the token
// expires.
func (b Bridge) Options(now time.Time, logger *slog.Logger) (mqttclient.Options, error) {
	keyPEM, err := os.ReadFile(b.PrivateKey)
	if err != nil {
		return mqttclient.Options{}, fmt.Errorf("iotcore: read private key: %w", err)
	}
	token, err := CreateJWT(b.Device.Project, keyPEM, b.Algorithm, now, b.TTL)
	if err != nil {
		return mqttclient.Options{}, err
	}
	tlsCfg, err := TLSConfig(b.RootCA)
	if err != nil {
		return mqttclient.Options{}, err
	}
	broker := b.Broker
	if broker == "" {
		broker = DefaultBridge
	}
	return mqttclient.Options{
		BrokerURL:      broker,
		ClientID:       b.Device.ClientID(),
		Username:       Username,
		Password:       token,
		TLS:            tlsCfg,
		NoReconnect:    true,
		NoConnectRetry: true,
		Logger:         logger,
	}, nil
}
