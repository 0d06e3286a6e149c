package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	cli paho.Client

	mu   sync.Mutex
	subs map[string]Handler
}

type Message = paho.Message

type Handler = paho.MessageHandler

func brokerAddress(u *url.URL) string {
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host
	case "ssl", "tls", "mqtts":
		return "ssl://" + u.Host
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path
	default:
		return u.Host
	}
}

// Connect dials the broker. Subscriptions made through Subscribe are renewed
// after every reconnect.
func Connect(brokerURL string, clientIDPrefix string) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(brokerAddress(u))
	prefix := clientIDPrefix
	if prefix == "" {
		prefix = "asset-service"
	}
	opts.SetClientID(prefix + "-" + time.Now().Format("150405.000"))
	opts.SetAutoReconnect(true)
	c := &Client{subs: map[string]Handler{}}
	opts.OnConnect = func(pc paho.Client) {
		slog.Info("mqtt connected", "broker", u.Redacted())
		c.resubscribe(pc)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "mqtts" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	c.cli = paho.NewClient(opts)
	t := c.cli.Connect()
	if !t.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", u.Redacted())
	}
	if err := t.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

func (c *Client) Subscribe(topic string, cb Handler) error {
	c.mu.Lock()
	c.subs[topic] = cb
	c.mu.Unlock()
	t := c.cli.Subscribe(topic, 1, cb)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) resubscribe(pc paho.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, cb := range c.subs {
		// Waiting inside the connect callback would block paho's router.
		pc.Subscribe(topic, 1, cb)
	}
}

func (c *Client) Disconnect(quiesceMs uint) {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(quiesceMs)
}
