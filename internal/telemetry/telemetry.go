// Package telemetry publishes best-effort, non-blocking observability
// events to Redis pub/sub (SPEC_FULL.md §3.2). It is adapted from the
// teacher's pkg/redis client: the same Ping-on-connect pattern and the
// same "log the error, don't treat it as fatal" handling of Redis
// failures the teacher's main.go applies to its own status writes, CBOR
// replacing the teacher's plain string/int hash values since an event
// here is a small structured record rather than a single scalar.
package telemetry

import (
	"context"
	"log"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Channel is the single Redis pub/sub channel every event is published
// on (SPEC_FULL.md §3.2).
const Channel = "baseband-loader:events"

// Event kinds. Detail carries a short human-readable elaboration, e.g.
// the nack reason or the chunk offset.
const (
	KindAttach           = "attach"
	KindPrompt           = "prompt"
	KindUploadProgress   = "upload_progress"
	KindAck              = "ack"
	KindRollback         = "rollback"
	KindHandover         = "handover"
	KindToolSessionOpen  = "tool_session_open"
	KindToolSessionClose = "tool_session_close"
)

// Event is the CBOR wire record published on Channel.
type Event struct {
	Kind     string `cbor:"kind"`
	TsUnixMs uint64 `cbor:"ts_unix_ms"`
	Detail   string `cbor:"detail"`
}

// Sink publishes Events without ever blocking the caller's event loop.
// A Sink constructed with an empty addr (see New) is a no-op: every
// method becomes a cheap early return.
type Sink struct {
	client *redis.Client
	ctx    context.Context

	warnedThisAttempt bool
}

// New connects to addr (host:port) and pings it once. If addr is empty,
// New returns a non-nil Sink whose methods are all no-ops — telemetry is
// entirely optional (SPEC_FULL.md §3.2).
func New(addr string) *Sink {
	if addr == "" {
		return &Sink{}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("telemetry: failed to connect to %s, disabling telemetry: %v", addr, err)
		return &Sink{}
	}
	return &Sink{client: client, ctx: ctx}
}

// Publish encodes ev as CBOR and publishes it on Channel. Failures are
// logged once per reconnect window and otherwise swallowed; telemetry
// never holds up protocol handling (SPEC_FULL.md §3.2).
func (s *Sink) Publish(ev Event) {
	if s.client == nil {
		return
	}
	raw, err := cbor.Marshal(ev)
	if err != nil {
		log.Printf("telemetry: failed to encode event %q: %v", ev.Kind, err)
		return
	}
	if err := s.client.Publish(s.ctx, Channel, raw).Err(); err != nil {
		if !s.warnedThisAttempt {
			log.Printf("telemetry: publish failed, continuing without telemetry: %v", err)
			s.warnedThisAttempt = true
		}
		return
	}
	s.warnedThisAttempt = false
}

// Close releases the underlying client, if any.
func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
