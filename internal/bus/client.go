// Package bus is a thin adapter over an MQTT client library, giving the
// rest of the codebase a publish/subscribe surface with JSON payloads,
// wildcard dispatch, and automatic reconnection — independent of any
// particular broker.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/markus-barta/edgefleet/internal/protocol"
)

// Handler is invoked for every message whose topic matches a registered
// subscription pattern. kind is the envelope's discriminator field and
// payload is already unwrapped — callers unmarshal it straight into the
// kind-specific struct. It runs on the underlying library's network
// goroutine and must not block on slow downstream work.
type Handler func(topic, kind string, payload json.RawMessage)

// TLSConfig carries optional client TLS material for connecting to the
// broker. A zero value means plaintext TCP.
type TLSConfig struct {
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
}

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

type subscription struct {
	pattern string
	qos     byte
	handler Handler
}

// Client wraps an mqtt.Client, tracking subscriptions so they can be
// re-applied after a reconnect, and dispatching incoming messages to the
// first registered handler whose pattern matches.
type Client struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs []subscription

	inner mqtt.Client
}

// Options configures a new Client.
type Options struct {
	Broker   string // e.g. "tcp://localhost:1883" or "ssl://localhost:8883"
	ClientID string
	TLS      *TLSConfig
	Log      zerolog.Logger
}

// New creates a Client. It does not connect; call Connect.
func New(opts Options) *Client {
	c := &Client{log: opts.Log.With().Str("component", "bus").Logger()}

	mo := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false). // we drive our own backoff loop (spec: 1s doubling to 60s)
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.TLS != nil {
		tlsCfg, err := buildTLSConfig(opts.TLS)
		if err != nil {
			c.log.Error().Err(err).Msg("failed to build TLS config, connecting without TLS")
		} else {
			mo.SetTLSConfig(tlsCfg)
		}
	}

	c.inner = mqtt.NewClient(mo)
	return c
}

// Connect blocks until the connection is established or the library
// reports failure. It makes a single attempt; after an unexpected
// disconnect, onConnectionLost starts the reconnect loop that retries
// with exponential backoff.
func (c *Client) Connect() error {
	token := c.inner.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect closes the connection, waiting up to quiesce for in-flight
// work to drain.
func (c *Client) Disconnect(quiesce time.Duration) {
	c.inner.Disconnect(uint(quiesce.Milliseconds()))
}

// PublishJSON serializes payload to JSON and enqueues it for publish.
// It does not wait for broker acknowledgement (non-blocking, per spec).
func (c *Client) PublishJSON(topic string, payload any, qos byte) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("failed to marshal payload, dropping publish")
		return
	}

	token := c.inner.Publish(topic, qos, false, data)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}()
}

// PublishJSONSync behaves like PublishJSON but blocks until the publish
// is acknowledged or fails, returning the error to the caller instead of
// only logging it on a detached goroutine. Callers that need to react to
// a failed publish (rather than just fire-and-forget it) use this.
func (c *Client) PublishJSONSync(topic string, payload any, qos byte) error {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("failed to marshal payload, dropping publish")
		return err
	}

	token := c.inner.Publish(topic, qos, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		return err
	}
	return nil
}

// Subscribe records pattern (which may use a single-level '+' wildcard)
// and invokes handler for every message whose topic matches, in
// registration order — the first match wins. If already connected the
// subscription is applied immediately; otherwise it is applied on the
// next (re)connect.
func (c *Client) Subscribe(pattern string, qos byte, handler Handler) {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{pattern: pattern, qos: qos, handler: handler})
	c.mu.Unlock()

	if c.inner.IsConnected() {
		c.applySubscription(pattern, qos)
	}
}

func (c *Client) applySubscription(pattern string, qos byte) {
	token := c.inner.Subscribe(pattern, qos, c.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Str("pattern", pattern).Msg("subscribe failed")
	}
}

// onConnect re-applies every recorded subscription before resuming
// handler delivery, and resets the reconnect backoff.
func (c *Client) onConnect(_ mqtt.Client) {
	c.log.Info().Msg("connected to bus")

	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range subs {
		c.applySubscription(s.pattern, s.qos)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn().Err(err).Msg("bus connection lost, reconnecting with backoff")
	go c.reconnectLoop()
}

// reconnectLoop retries Connect with exponential backoff starting at 1s,
// doubling to a 60s ceiling, until the connection succeeds.
func (c *Client) reconnectLoop() {
	backoff := initialBackoff
	for {
		if c.inner.IsConnected() {
			return
		}
		token := c.inner.Connect()
		token.Wait()
		if token.Error() == nil {
			return
		}
		c.log.Error().Err(token.Error()).Dur("backoff", backoff).Msg("reconnect failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// onMessage dispatches an incoming message to the first registered
// subscription whose pattern matches, discarding malformed JSON and
// unmatched topics with a debug log. A panicking handler is recovered
// and logged so it never reaches the MQTT library.
func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("topic", topic).Msg("handler panicked, message dropped")
		}
	}()

	var envelope protocol.Message
	if err := json.Unmarshal(msg.Payload(), &envelope); err != nil {
		c.log.Debug().Err(err).Str("topic", topic).Msg("dropping malformed message")
		return
	}

	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range subs {
		if protocol.MatchTopic(s.pattern, topic) {
			s.handler(topic, envelope.Kind, envelope.Payload)
			return
		}
	}

	c.log.Debug().Str("topic", topic).Msg("no subscriber matched, discarding")
}

// IsConnected reports whether the underlying connection is currently up.
func (c *Client) IsConnected() bool {
	return c.inner.IsConnected()
}
