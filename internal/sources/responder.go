package sources

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/signalfeedback/internal/intake"
)

// LookupFunc resolves one source record for Serve.
type LookupFunc func(ctx context.Context, sourceRecordID string) (*intake.SourceRecord, error)

// Serve answers lookup requests on subject with fn. It is the reply side of
// Client.Lookup, for source services written in Go and for tests.
func Serve(nc *nats.Conn, subject string, fn LookupFunc) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var req LookupRequest
		var reply LookupReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "malformed request: " + err.Error()
		} else if rec, err := fn(context.Background(), req.SourceRecordID); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Record = rec
		}

		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		_ = msg.Respond(data)
	})
}
