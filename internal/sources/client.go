// Package sources talks to the signal source service over NATS.
//
// Lookups are request/reply on the lookup subject; reclaim flags are
// fire-and-forget publishes on the reclaim subject. Both carry JSON.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/config"
	"github.com/fyrsmithlabs/signalfeedback/internal/intake"
	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
)

// Default subjects.
const (
	DefaultLookupSubject  = "signals.source.lookup"
	DefaultReclaimSubject = "signals.source.reclaim"
)

// LookupRequest is the lookup request payload.
type LookupRequest struct {
	SourceRecordID string `json:"source_record_id"`
}

// LookupReply is the lookup reply payload. Record is nil when the source
// service does not know the id.
type LookupReply struct {
	Record *intake.SourceRecord `json:"record,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// ReclaimMessage is published to flag a source record for deletion.
type ReclaimMessage struct {
	SourceRecordID string    `json:"source_record_id"`
	RequestedAt    time.Time `json:"requested_at"`
	Tenant         string    `json:"tenant,omitempty"`
}

// Config configures a Client.
type Config struct {
	URL            string
	Token          string
	LookupSubject  string
	ReclaimSubject string
	Timeout        time.Duration
}

// FromConfig converts the service's sources section.
func FromConfig(c config.SourcesConfig) Config {
	return Config{
		URL:            c.URL,
		Token:          c.Token.Value(),
		LookupSubject:  c.LookupSubject,
		ReclaimSubject: c.ReclaimSubject,
		Timeout:        c.Timeout.Duration(),
	}
}

func (c *Config) applyDefaults() {
	if c.LookupSubject == "" {
		c.LookupSubject = DefaultLookupSubject
	}
	if c.ReclaimSubject == "" {
		c.ReclaimSubject = DefaultReclaimSubject
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Client implements intake.SourceLookup and intake.ReclaimScheduler.
type Client struct {
	nc     *nats.Conn
	cfg    Config
	logger *logging.Logger
	owned  bool
}

var (
	_ intake.SourceLookup     = (*Client)(nil)
	_ intake.ReclaimScheduler = (*Client)(nil)
)

// Connect dials cfg.URL and returns a Client that closes the connection on
// Close.
func Connect(cfg Config, logger *logging.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("sources url is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("sources")

	opts := []nats.Option{
		nats.Name("signalfeedback"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "reconnected to NATS", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c := NewClient(nc, cfg, logger)
	c.owned = true
	return c, nil
}

// NewClient wraps an existing connection. Close leaves nc open.
func NewClient(nc *nats.Conn, cfg Config, logger *logging.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{nc: nc, cfg: cfg, logger: logger}
}

// Lookup asks the source service for sourceRecordID. It returns nil, nil
// when the record does not exist.
func (c *Client) Lookup(ctx context.Context, sourceRecordID string) (*intake.SourceRecord, error) {
	data, err := json.Marshal(LookupRequest{SourceRecordID: sourceRecordID})
	if err != nil {
		return nil, fmt.Errorf("marshal lookup request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, c.cfg.LookupSubject, data)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", sourceRecordID, err)
	}

	var reply LookupReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode lookup reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("lookup %s: source service: %s", sourceRecordID, reply.Error)
	}
	if reply.Record != nil && reply.Record.ID == "" {
		reply.Record.ID = sourceRecordID
	}
	return reply.Record, nil
}

// FlagForDeletion publishes a reclaim request. Delivery is at most once.
func (c *Client) FlagForDeletion(ctx context.Context, sourceRecordID string) error {
	data, err := json.Marshal(ReclaimMessage{
		SourceRecordID: sourceRecordID,
		RequestedAt:    time.Now().UTC(),
		Tenant:         logging.TenantFromContext(ctx),
	})
	if err != nil {
		return fmt.Errorf("marshal reclaim message: %w", err)
	}
	if err := c.nc.Publish(c.cfg.ReclaimSubject, data); err != nil {
		return fmt.Errorf("publish reclaim %s: %w", sourceRecordID, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (c *Client) Healthy() bool {
	return c.nc.IsConnected()
}

// Close drains and closes the connection if Connect opened it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}
