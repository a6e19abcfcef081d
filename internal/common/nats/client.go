// filename: internal/common/nats/client.go
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/autoops/autoops/internal/common/config"
	"github.com/autoops/autoops/internal/common/logging"
)

// Субъекты, которыми обмениваются сервисы
const (
	SubjectTelemetry        = "telemetry.metrics"
	SubjectAutomationEvents = "automation.events"
	SubjectExecutionPrefix  = "automation.executions."
	SubjectOpsPrefix        = "ops."
)

// streamSpec описывает поток JetStream
type streamSpec struct {
	name     string
	subjects []string
	maxAge   time.Duration
}

var streams = []streamSpec{
	{name: "TELEMETRY", subjects: []string{"telemetry.>"}, maxAge: time.Hour},
	{name: "AUTOMATION", subjects: []string{"automation.>"}, maxAge: 7 * 24 * time.Hour},
}

// Handler обрабатывает сообщение; ошибка приводит к повторной доставке
type Handler func(data []byte) error

// Client представляет клиент NATS
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config config.NATSConfig
	logger *logging.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient создает новый клиент NATS // v1.0
func NewClient(cfg config.NATSConfig, logger *logging.Logger) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("no NATS URLs configured")
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}

	if cfg.Credentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.Credentials))
	}

	if cfg.NKeySeedFile != "" {
		opt, err := nkeyOption(cfg.NKeySeedFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}

	conn, err := nats.Connect(joinURLs(cfg.URLs), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client := &Client{
		conn:   conn,
		config: cfg,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}

	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		if err := ensureStreams(js); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ensure streams: %w", err)
		}
		client.js = js
	}

	return client, nil
}

// nkeyOption читает seed пользователя и подписывает nonce сервера // v1.0
func nkeyOption(seedFile string) (nats.Option, error) {
	contents, err := os.ReadFile(seedFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read nkey seed: %w", err)
	}

	kp, err := nkeys.ParseDecoratedNKey(contents)
	if err != nil {
		return nil, fmt.Errorf("failed to parse nkey seed: %w", err)
	}

	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive nkey public key: %w", err)
	}
	if !nkeys.IsValidPublicUserKey(pub) {
		return nil, fmt.Errorf("nkey seed is not a user key")
	}

	return nats.Nkey(pub, func(nonce []byte) ([]byte, error) {
		return kp.Sign(nonce)
	}), nil
}

func joinURLs(urls []string) string {
	out := urls[0]
	for _, u := range urls[1:] {
		out += "," + u
	}
	return out
}

// ensureStreams создает необходимые потоки // v1.0
func ensureStreams(js nats.JetStreamContext) error {
	for _, spec := range streams {
		if info, err := js.StreamInfo(spec.name); err == nil && info != nil {
			continue
		}

		_, err := js.AddStream(&nats.StreamConfig{
			Name:      spec.name,
			Subjects:  spec.subjects,
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    spec.maxAge,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", spec.name, err)
		}
	}
	return nil
}

// Publish публикует событие в поток // v1.0
func (c *Client) Publish(subject string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if c.js == nil {
		return c.conn.Publish(subject, data)
	}

	ack, err := c.js.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	c.logger.WithField("subject", subject).WithField("seq", ack.Sequence).Debug("Published event")
	return nil
}

// Subscribe подписывается на субъект; в режиме JetStream сообщения подтверждаются после обработки // v1.0
func (c *Client) Subscribe(subject, queue string, handler Handler) error {
	var (
		sub *nats.Subscription
		err error
	)

	if c.js != nil {
		cb := func(msg *nats.Msg) {
			if herr := handler(msg.Data); herr != nil {
				c.logger.WithError(herr).WithField("subject", msg.Subject).Warn("Handler failed, message will be redelivered")
				_ = msg.Nak()
				return
			}
			_ = msg.Ack()
		}
		if queue != "" {
			sub, err = c.js.QueueSubscribe(subject, queue, cb, nats.ManualAck(), nats.AckWait(30*time.Second))
		} else {
			sub, err = c.js.Subscribe(subject, cb, nats.ManualAck(), nats.AckWait(30*time.Second))
		}
	} else {
		cb := func(msg *nats.Msg) {
			if herr := handler(msg.Data); herr != nil {
				c.logger.WithError(herr).WithField("subject", msg.Subject).Warn("Handler failed")
			}
		}
		if queue != "" {
			sub, err = c.conn.QueueSubscribe(subject, queue, cb)
		} else {
			sub, err = c.conn.Subscribe(subject, cb)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Request выполняет запрос-ответ с учетом контекста // v1.0
func (c *Client) Request(ctx context.Context, subject string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok && c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	return msg.Data, nil
}

// Unsubscribe отписывается от субъекта // v1.0
func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, exists := c.subs[subject]; exists {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
		}
		delete(c.subs, subject)
	}
	return nil
}

// Close закрывает соединение с NATS // v1.0
func (c *Client) Close() error {
	c.mu.Lock()
	for subject, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, subject)
	}
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

// IsConnected проверяет, подключен ли клиент // v1.0
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// GetConnectionInfo возвращает информацию о соединении // v1.0
func (c *Client) GetConnectionInfo() map[string]interface{} {
	if c.conn == nil {
		return nil
	}

	stats := c.conn.Stats()
	return map[string]interface{}{
		"connected":   c.conn.IsConnected(),
		"url":         c.conn.ConnectedUrl(),
		"server_id":   c.conn.ConnectedServerId(),
		"jetstream":   c.js != nil,
		"in_msgs":     stats.InMsgs,
		"out_msgs":    stats.OutMsgs,
		"reconnects":  stats.Reconnects,
	}
}
