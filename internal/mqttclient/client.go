package mqttclient

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrConnectTimeout = errors.New("connect timed out")

const DefaultConnectTimeout = 30 * time.Second

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLS       *tls.Config
	KeepAlive time.Duration
	// AutoReconnect defaults to true through New; set NoReconnect to disable.
	NoReconnect bool
	// NoConnectRetry makes New fail on the first refused connect instead of
	// retrying in the background.
	NoConnectRetry bool
	// ConnectTimeout bounds how long New waits for the first connect.
	// Zero means DefaultConnectTimeout.
	ConnectTimeout   time.Duration
	OnConnect        func()
	OnConnectionLost func(error)
	Logger           *slog.Logger
}

// Handler receives the topic and payload of an inbound message.
type Handler func(topic string, payload []byte)

// Publisher is the part of the client used by components that only send.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Subscriber is the part of the client used by components that only listen.
type Subscriber interface {
	Subscribe(topic string, qos byte, h Handler) error
}

type subscription struct {
	qos     byte
	handler Handler
}

type Client struct {
	raw    mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger: logger.With("broker", opts.BrokerURL),
		subs:   make(map[string]subscription),
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	if opts.TLS != nil {
		o.SetTLSConfig(opts.TLS)
	}
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	o.SetAutoReconnect(!opts.NoReconnect)
	o.SetConnectRetry(!opts.NoConnectRetry)
	o.SetConnectRetryInterval(2 * time.Second)
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	o.SetConnectTimeout(timeout)
	o.SetOnConnectHandler(func(mqtt.Client) {
		c.logger.Info("mqtt connected")
		c.resubscribe()
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", "err", err)
		if opts.OnConnectionLost != nil {
			opts.OnConnectionLost(err)
		}
	})
	c.raw = mqtt.NewClient(o)

	token := c.raw.Connect()
	if !token.WaitTimeout(timeout) {
		c.raw.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w after %s", opts.BrokerURL, ErrConnectTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.BrokerURL, err)
	}
	return c, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic; the subscription is restored after every
// reconnect.
func (c *Client) Subscribe(topic string, qos byte, h Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: h}
	c.mu.Unlock()
	return c.subscribe(topic, qos, h)
}

func (c *Client) subscribe(topic string, qos byte, h Handler) error {
	token := c.raw.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		// subscribe blocks on the token, so it must not run on paho's
		// connect callback goroutine.
		go func(topic string, s subscription) {
			if err := c.subscribe(topic, s.qos, s.handler); err != nil {
				c.logger.Error("resubscribe failed", "topic", topic, "err", err)
				return
			}
			c.logger.Info("resubscribed", "topic", topic)
		}(topic, s)
	}
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}

func (c *Client) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("MQTTClient(%d subscriptions)", len(c.subs))
}
