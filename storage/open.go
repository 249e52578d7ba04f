package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nats-io/nats.go/jetstream"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Dir is the data directory for file-based backends.
	Dir string
	// RedisAddr and RedisPrefix configure the redis backend.
	RedisAddr   string
	RedisPrefix string
	// Bucket names the JetStream KV bucket for the nats backend.
	Bucket string
	// JetStream supplies the JetStream context for the nats backend.
	JetStream func() (jetstream.JetStream, error)
}

// Open creates the configured backend.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case "", BackendFile:
		return NewFile(opts.Dir)
	case BackendBolt:
		return NewBolt(filepath.Join(opts.Dir, "state.db"))
	case BackendPebble:
		return NewPebble(filepath.Join(opts.Dir, "pebble"))
	case BackendSQLite:
		return NewSQLite(ctx, filepath.Join(opts.Dir, "state.sqlite"))
	case BackendRedis:
		return NewRedis(ctx, opts.RedisAddr, opts.RedisPrefix)
	case BackendNATS:
		if opts.JetStream == nil {
			return nil, fmt.Errorf("nats backend requires a JetStream connection")
		}
		js, err := opts.JetStream()
		if err != nil {
			return nil, fmt.Errorf("get jetstream: %w", err)
		}
		return NewNATSKV(ctx, js, opts.Bucket)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
