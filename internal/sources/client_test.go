package sources

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/signalfeedback/internal/config"
	"github.com/fyrsmithlabs/signalfeedback/internal/intake"
	"github.com/fyrsmithlabs/signalfeedback/internal/logging"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func directory(records ...*intake.SourceRecord) LookupFunc {
	byID := make(map[string]*intake.SourceRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	return func(_ context.Context, id string) (*intake.SourceRecord, error) {
		if id == "explode" {
			return nil, errors.New("database offline")
		}
		return byID[id], nil
	}
}

func TestClient_Lookup(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	_, err := Serve(nc, DefaultLookupSubject, directory(
		&intake.SourceRecord{ID: "rec-1", URL: "https://example.com/jobs", Industry: "saas"},
		&intake.SourceRecord{ID: "rec-2", Reclaimed: true},
	))
	require.NoError(t, err)

	client := NewClient(nc, Config{}, logging.NewNop())
	ctx := context.Background()

	rec, err := client.Lookup(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://example.com/jobs", rec.URL)
	assert.Equal(t, "saas", rec.Industry)
	assert.False(t, rec.Reclaimed)

	rec, err = client.Lookup(ctx, "rec-2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Reclaimed)

	rec, err = client.Lookup(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = client.Lookup(ctx, "explode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database offline")
}

func TestClient_LookupNoResponder(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	client := NewClient(nc, Config{Timeout: 200 * time.Millisecond}, nil)
	_, err := client.Lookup(context.Background(), "rec-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestClient_LookupMalformedReply(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	_, err := nc.Subscribe("custom.lookup", func(msg *nats.Msg) {
		_ = msg.Respond([]byte("not json"))
	})
	require.NoError(t, err)

	client := NewClient(nc, Config{LookupSubject: "custom.lookup"}, nil)
	_, err = client.Lookup(context.Background(), "rec-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode lookup reply")
}

func TestClient_FlagForDeletion(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(DefaultReclaimSubject, ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	client := NewClient(nc, Config{}, nil)
	ctx := logging.WithTenant(context.Background(), "acme")
	require.NoError(t, client.FlagForDeletion(ctx, "rec-1"))

	select {
	case msg := <-ch:
		var got ReclaimMessage
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "rec-1", got.SourceRecordID)
		assert.Equal(t, "acme", got.Tenant)
		assert.False(t, got.RequestedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reclaim message")
	}
}

func TestConnect(t *testing.T) {
	_, err := Connect(Config{}, nil)
	require.Error(t, err)

	server := startTestNATSServer(t)
	client, err := Connect(Config{URL: server.ClientURL()}, logging.NewNop())
	require.NoError(t, err)
	assert.True(t, client.Healthy())
	require.NoError(t, client.Close())
}

func TestFromConfig(t *testing.T) {
	var token config.Secret
	require.NoError(t, token.UnmarshalText([]byte("s3cret")))

	cfg := FromConfig(config.SourcesConfig{
		URL:           "nats://localhost:4222",
		Token:         token,
		LookupSubject: "a.b",
		Timeout:       config.Duration(time.Second),
	})
	assert.Equal(t, "s3cret", cfg.Token)
	assert.Equal(t, "a.b", cfg.LookupSubject)
	assert.Equal(t, time.Second, cfg.Timeout)

	cfg.applyDefaults()
	assert.Equal(t, DefaultReclaimSubject, cfg.ReclaimSubject)
}
