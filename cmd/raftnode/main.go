// Command raftnode is a minimal demo binary that boots one node of the
// replicated core. Building a real CLI/admin surface is out of scope
// (SPEC_FULL.md §1), so this stays a thin flag-parsed bootstrap in the
// vein of the stack's usual cmd/ entrypoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/raftdb/raftcore/engine"
)

func main() {
	var (
		name        = flag.String("name", "", "this node's raft id")
		peers       = flag.String("peers", "", "comma separated id=host:port list for the whole cluster, including this node")
		peerAddr    = flag.String("peer-addr", "", "address to listen on for peer traffic")
		metricsAddr = flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
		dataDir     = flag.String("data-dir", "./data", "directory for durable state")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("node", *name).Logger()

	cluster, err := parsePeers(*peers)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid -peers")
	}

	registry := prometheus.NewRegistry()
	e, err := engine.New(engine.Config{
		Name:           *name,
		InitialCluster: cluster,
		DataDir:        *dataDir,
		ListenPeerAddr: *peerAddr,
		Logger:         logger,
		Registry:       registry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct engine")
	}
	if err := e.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(ctx)
		cancel()
	}
	e.Stop()
}

func parsePeers(spec string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q, want id=host:port", part)
		}
		out[kv[0]] = kv[1]
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("-peers must name at least this node")
	}
	return out, nil
}
