package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func singleNodeConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Name:           "n1",
		InitialCluster: map[string]string{"n1": "127.0.0.1:0"},
		DataDir:        t.TempDir(),
		ListenPeerAddr: "127.0.0.1:0",
		TickInterval:   5 * time.Millisecond,
		Logger:         zerolog.Nop(),
		Registry:       prometheus.NewRegistry(),
	}
}

func TestNewRejectsMissingName(t *testing.T) {
	cfg := singleNodeConfig(t)
	cfg.Name = ""
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsNameNotInCluster(t *testing.T) {
	cfg := singleNodeConfig(t)
	cfg.Name = "ghost"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsTooAggressiveElectionTimeout(t *testing.T) {
	cfg := singleNodeConfig(t)
	cfg.HeartbeatIntervalMillis = 100
	cfg.ElectionTimeoutMillis = 150
	_, err := New(cfg)
	require.Error(t, err)
}

func TestSingleNodeStartBecomesLeaderAndServesWrites(t *testing.T) {
	e, err := New(singleNodeConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer e.Stop()

	require.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.KVPut(ctx, "hello", "world"))

	entry, err := e.KVGet("hello")
	require.NoError(t, err)
	require.Equal(t, "world", entry.Value)

	require.NoError(t, e.KVDelete(ctx, "hello"))
	_, err = e.KVGet("hello")
	require.Error(t, err)
}

func TestSingleNodeStartTwiceFails(t *testing.T) {
	e, err := New(singleNodeConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer e.Stop()
	require.Error(t, e.Start())
}

func TestKVWriteRejectedWhenNotLeaderHint(t *testing.T) {
	cfg := singleNodeConfig(t)
	cfg.InitialCluster = map[string]string{"n1": "127.0.0.1:0", "n2": "127.0.0.1:0"}
	cfg.ElectionTimeoutMillis = 10_000 // stay a follower for the test's duration
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer e.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = e.KVPut(ctx, "a", "b")
	require.Error(t, err)
	var hint ErrNotLeaderHint
	require.ErrorAs(t, err, &hint)
}

func TestReopenAfterStopRecoversState(t *testing.T) {
	cfg := singleNodeConfig(t)
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	require.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.KVPut(ctx, "k", "v"))
	e.Stop()

	e2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e2.Start())
	defer e2.Stop()
	require.Eventually(t, e2.IsLeader, time.Second, 5*time.Millisecond)

	entry, err := e2.KVGet("k")
	require.NoError(t, err)
	require.Equal(t, "v", entry.Value)
}
