//go:build integration

package storage

import (
	"context"
	"os"
	"testing"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/stretchr/testify/require"
)

func TestNATSKV(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	require.NoError(t, err)

	kv, err := NewNATSKV(ctx, js, "DOSSIERSYNC_TEST")
	require.NoError(t, err)
	exerciseKV(t, kv)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()

	kv, err := NewRedis(ctx, addr, "dossiersync-test:")
	require.NoError(t, err)
	defer kv.Close()
	exerciseKV(t, kv)
}
