package royaltyd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"revshare/config"
	"revshare/core/settlement"
	"revshare/observability"
	"revshare/observability/logging"
	"revshare/services/ownership"
	"revshare/services/subgraph"
	"revshare/storage/archive"
)

// Runtime bundles the collaborators assembled from configuration.
type Runtime struct {
	Engine *settlement.Engine
	Store  archive.Store
	Graph  *subgraph.Client

	closers []func() error
}

// Build dials the chain RPC, opens the archive and assembles the settlement
// engine described by cfg.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	unit, ok := subgraph.ParseShareUnit(cfg.Subgraph.ShareUnit)
	if !ok {
		return nil, fmt.Errorf("subgraph share_unit %q unsupported", cfg.Subgraph.ShareUnit)
	}
	rt := &Runtime{}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := ownership.Dial(dialCtx, cfg.Chain.RPCURL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		client.Close()
		return nil
	})
	logger.Info("chain rpc configured", slog.String("rpc", logging.MaskURL(cfg.Chain.RPCURL)))

	resolverOpts := []ownership.Option{ownership.WithRateLimit(cfg.Chain.RateLimit, cfg.Chain.Burst)}
	if cfg.Chain.BlockNumber > 0 {
		resolverOpts = append(resolverOpts, ownership.WithBlockNumber(new(big.Int).SetUint64(cfg.Chain.BlockNumber)))
	}
	resolver, err := ownership.NewResolver(client, resolverOpts...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	var scales settlement.PercentScaleSource
	if cfg.Chain.PercentScale > 0 {
		scales = settlement.StaticScale(cfg.Chain.PercentScale)
	} else {
		royalties, err := ownership.NewRoyaltiesScale(client, common.HexToAddress(cfg.Chain.RoyaltiesAddress))
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		scales = royalties
	}

	checkIDs := cfg.Subgraph.CheckIDs == nil || *cfg.Subgraph.CheckIDs
	graph, err := subgraph.NewClient(cfg.Subgraph.URL, scales,
		subgraph.WithHTTPClient(&http.Client{
			Timeout:   cfg.Subgraph.Timeout.Duration,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		subgraph.WithPageSize(cfg.Subgraph.PageSize),
		subgraph.WithMaxDepth(cfg.Subgraph.MaxDepth),
		subgraph.WithShareUnit(unit),
		subgraph.WithIDCheck(checkIDs),
		subgraph.WithLogger(logger),
	)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Graph = graph

	engine, err := settlement.NewEngine(graph, resolver, scales,
		settlement.WithLogger(logger),
		settlement.WithConcurrency(cfg.Settlement.Concurrency),
		settlement.WithMaxDepth(cfg.Settlement.MaxDepth),
		settlement.WithMetrics(observability.Settlement()),
	)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Engine = engine

	store, err := archive.Open(archive.Config{
		Driver: cfg.Archive.Driver,
		DSN:    cfg.Archive.DSN,
		Path:   cfg.Archive.Path,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Store = store
	rt.closers = append(rt.closers, store.Close)
	logger.Info("archive opened",
		slog.String("driver", cfg.Archive.Driver),
		logging.MaskField("dsn", cfg.Archive.DSN),
		slog.String("path", cfg.Archive.Path))

	return rt, nil
}

// Close releases the archive and the RPC client, newest first.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
