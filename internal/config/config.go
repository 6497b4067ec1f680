// Package config loads meshrelay settings. Values are layered: built-in
// defaults, then an optional YAML file, then MESHRELAY_* environment
// variables, then flags given on the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "MESHRELAY_"

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Topic is the subscription filter used by the relay and the feed.
	Topic string `yaml:"topic"`
	// Prefix is prepended to the source address when the gateway publishes.
	Prefix string `yaml:"prefix"`
	QoS    int    `yaml:"qos"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Database struct {
	URL         string `yaml:"url"`
	Credentials string `yaml:"credentials"`
	Root        string `yaml:"root"`
}

type Search struct {
	Addresses []string `yaml:"addresses"`
	Index     string   `yaml:"index"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

type Bus struct {
	// Kind selects the transport: "kafka", "pubsub" or empty for none.
	Kind         string   `yaml:"kind"`
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	GroupID      string   `yaml:"group_id"`
	Project      string   `yaml:"project"`
	Subscription string   `yaml:"subscription"`
	Credentials  string   `yaml:"credentials"`
}

type Storage struct {
	DataDir       string        `yaml:"data_dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxSamples    int           `yaml:"max_samples"`
}

type Bridge struct {
	Host       string `yaml:"host"`
	Project    string `yaml:"project"`
	Region     string `yaml:"region"`
	Registry   string `yaml:"registry"`
	Device     string `yaml:"device"`
	PrivateKey string `yaml:"private_key"`
	Algorithm  string `yaml:"algorithm"`
	RootCA     string `yaml:"root_ca"`
}

type Config struct {
	Log      Log      `yaml:"log"`
	MQTT     MQTT     `yaml:"mqtt"`
	HTTP     HTTP     `yaml:"http"`
	Database Database `yaml:"database"`
	Search   Search   `yaml:"search"`
	Bus      Bus      `yaml:"bus"`
	Storage  Storage  `yaml:"storage"`
	Bridge   Bridge   `yaml:"bridge"`
}

func Default() *Config {
	return &Config{
		Log:      Log{Level: "info", Format: "text"},
		MQTT:     MQTT{Broker: "tcp://localhost:1883", Topic: "data/#", Prefix: "data"},
		HTTP:     HTTP{Addr: ":8080"},
		Database: Database{Root: "/"},
		Search:   Search{Addresses: []string{"http://localhost:9200"}, Index: "nodes"},
		Bus:      Bus{Topic: "readings", GroupID: "meshrelay"},
		Storage:  Storage{DataDir: "data", FlushInterval: 30 * time.Second, MaxSamples: 10000},
		Bridge: Bridge{
			Host:      "ssl://mqtt.googleapis.com:8883",
			Region:    "us-central1",
			Algorithm: "ES256",
		},
	}
}

// LoadFile merges the YAML document at path into c.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c with any MESHRELAY_* variables that are set.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
		"LOG_FILE":         &c.Log.File,
		"MQTT_BROKER":      &c.MQTT.Broker,
		"MQTT_CLIENT_ID":   &c.MQTT.ClientID,
		"MQTT_USERNAME":    &c.MQTT.Username,
		"MQTT_PASSWORD":    &c.MQTT.Password,
		"MQTT_TOPIC":       &c.MQTT.Topic,
		"MQTT_PREFIX":      &c.MQTT.Prefix,
		"HTTP_ADDR":        &c.HTTP.Addr,
		"DATABASE_URL":     &c.Database.URL,
		"DATABASE_CREDS":   &c.Database.Credentials,
		"DATABASE_ROOT":    &c.Database.Root,
		"SEARCH_INDEX":     &c.Search.Index,
		"SEARCH_USERNAME":  &c.Search.Username,
		"SEARCH_PASSWORD":  &c.Search.Password,
		"BUS_KIND":         &c.Bus.Kind,
		"BUS_TOPIC":        &c.Bus.Topic,
		"BUS_GROUP_ID":     &c.Bus.GroupID,
		"BUS_PROJECT":      &c.Bus.Project,
		"BUS_SUBSCRIPTION": &c.Bus.Subscription,
		"BUS_CREDS":        &c.Bus.Credentials,
		"STORAGE_DATA_DIR": &c.Storage.DataDir,
		"BRIDGE_HOST":      &c.Bridge.Host,
		"BRIDGE_PROJECT":   &c.Bridge.Project,
		"BRIDGE_REGION":    &c.Bridge.Region,
		"BRIDGE_REGISTRY":  &c.Bridge.Registry,
		"BRIDGE_DEVICE":    &c.Bridge.Device,
		"BRIDGE_KEY":       &c.Bridge.PrivateKey,
		"BRIDGE_ALGORITHM": &c.Bridge.Algorithm,
		"BRIDGE_ROOT_CA":   &c.Bridge.RootCA,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	lists := map[string]*[]string{
		"SEARCH_ADDRESSES": &c.Search.Addresses,
		"BUS_BROKERS":      &c.Bus.Brokers,
	}
	for key, dst := range lists {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	var err error
	if c.MQTT.QoS, err = EnvInt(EnvPrefix+"MQTT_QOS", c.MQTT.QoS); err != nil {
		return err
	}
	if c.Storage.MaxSamples, err = EnvInt(EnvPrefix+"STORAGE_MAX_SAMPLES", c.Storage.MaxSamples); err != nil {
		return err
	}
	if c.Storage.FlushInterval, err = EnvDuration(EnvPrefix+"STORAGE_FLUSH_INTERVAL", c.Storage.FlushInterval); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	switch c.Bus.Kind {
	case "", "kafka", "pubsub":
	default:
		return fmt.Errorf("unknown bus kind %q", c.Bus.Kind)
	}
	if c.Bus.Kind == "kafka" && len(c.Bus.Brokers) == 0 {
		return errors.New("bus kind kafka needs at least one broker")
	}
	if c.Bus.Kind == "pubsub" && c.Bus.Project == "" {
		return errors.New("bus kind pubsub needs a project")
	}
	if c.Storage.MaxSamples < 1 {
		return errors.New("storage max_samples must be >= 1")
	}
	return nil
}

// Load builds the configuration for a command. Command specific flags must be
// registered on fs before calling Load; the shared flags are added here with
// defaults already reflecting the config file and environment.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	path := configPath(args)
	c := Default()
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}

	fs.String("config", path, "YAML config file (env "+EnvPrefix+"CONFIG)")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug | info | warn | error")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "also write logs to this file")
	fs.StringVar(&c.MQTT.Broker, "broker", c.MQTT.Broker, "MQTT broker URL")
	fs.StringVar(&c.MQTT.ClientID, "client-id", c.MQTT.ClientID, "MQTT client id (generated when empty)")
	fs.StringVar(&c.MQTT.Topic, "topic", c.MQTT.Topic, "MQTT subscription filter")
	fs.StringVar(&c.MQTT.Prefix, "prefix", c.MQTT.Prefix, "MQTT topic prefix for published readings")
	fs.IntVar(&c.MQTT.QoS, "qos", c.MQTT.QoS, "MQTT QoS")
	fs.StringVar(&c.HTTP.Addr, "addr", c.HTTP.Addr, "HTTP listen address")
	fs.StringVar(&c.Database.URL, "db-url", c.Database.URL, "realtime database URL")
	fs.StringVar(&c.Database.Credentials, "db-creds", c.Database.Credentials, "service account JSON for the realtime database")
	fs.StringVar(&c.Search.Index, "index", c.Search.Index, "search index name")
	fs.StringVar(&c.Bus.Kind, "bus", c.Bus.Kind, "message bus: kafka | pubsub | empty")
	fs.StringVar(&c.Storage.DataDir, "data-dir", c.Storage.DataDir, "directory for snapshot files")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func configPath(args []string) string {
	for i, a := range args {
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(EnvPrefix + "CONFIG")
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
