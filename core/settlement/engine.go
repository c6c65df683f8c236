package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"revshare/core/merkle"
	"revshare/core/percent"
	"revshare/core/shares"
	"revshare/core/types"
	"revshare/observability"
)

const defaultConcurrency = 8

var (
	// ErrInvariant is returned when the computed balances drift from the
	// expected total by more than truncation can explain.
	ErrInvariant = errors.New("settlement: allocation invariant violated")
	// ErrOwnerLookup wraps failures resolving an NFT owner.
	ErrOwnerLookup = errors.New("settlement: ownership lookup failed")
	// ErrAccountNotFound is returned when an account holds no balance in a window.
	ErrAccountNotFound = errors.New("settlement: account not in window")
	// ErrNotConfigured is returned when a required collaborator is missing.
	ErrNotConfigured = errors.New("settlement: engine not configured")
)

// Engine computes window settlements. Each ComputeWindow call owns all of its
// intermediate state; concurrent calls are independent.
type Engine struct {
	graph       GraphSource
	owners      OwnerResolver
	scales      PercentScaleSource
	logger      *slog.Logger
	metrics     *observability.SettlementMetrics
	tracer      trace.Tracer
	concurrency int
	maxDepth    int
	clock       func() time.Time
}

// Option customises the engine instance.
type Option func(*Engine)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConcurrency bounds the number of in-flight ownership lookups.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithMaxDepth bounds the derivation depth below each purchased content.
func WithMaxDepth(depth int) Option {
	return func(e *Engine) { e.maxDepth = depth }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer used for run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithClock sets the function used to measure run latency.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine constructs an engine over the supplied collaborators.
func NewEngine(graph GraphSource, owners OwnerResolver, scales PercentScaleSource, opts ...Option) (*Engine, error) {
	if graph == nil || owners == nil || scales == nil {
		return nil, fmt.Errorf("%w: graph source, owner resolver and percent scale source are required", ErrNotConfigured)
	}
	e := &Engine{
		graph:       graph,
		owners:      owners,
		scales:      scales,
		logger:      slog.Default(),
		metrics:     observability.Settlement(),
		tracer:      otel.Tracer("revshare/settlement"),
		concurrency: defaultConcurrency,
		maxDepth:    shares.DefaultMaxDepth,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if e.maxDepth <= 0 {
		e.maxDepth = shares.DefaultMaxDepth
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e, nil
}

type contentGroup struct {
	content   *types.Content
	amount    *uint256.Int
	policy    *uint256.Int
	purchases int
}

type ownerShare struct {
	key   types.NFTKey
	entry shares.Entry
}

// ComputeWindow settles every purchase since the latest published window. It
// either returns a complete result or an error naming what failed; nothing is
// persisted or submitted.
func (e *Engine) ComputeWindow(ctx context.Context) (res *Result, err error) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "settlement.compute_window")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.ObserveRun(e.clock().Sub(start), err)
	}()

	rawScale, err := e.scales.PercentScale(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: percent scale: %w", err)
	}
	scale, err := percent.NewScale(rawScale)
	if err != nil {
		return nil, fmt.Errorf("settlement: percent scale: %w", err)
	}

	latest, err := e.graph.LatestWindow(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: latest window: %w", err)
	}
	startBlock := types.StartBlock(latest)
	span.SetAttributes(attribute.Int64("start_block", int64(startBlock)))

	events, err := e.graph.PurchaseEvents(ctx, startBlock)
	if err != nil {
		return nil, fmt.Errorf("settlement: purchase events from block %d: %w", startBlock, err)
	}

	groups, total, err := groupPurchases(events)
	if err != nil {
		return nil, err
	}
	res = &Result{
		StartBlock:   startBlock,
		Scale:        scale,
		TotalRevenue: total,
		Expected:     new(uint256.Int),
		Assigned:     new(uint256.Int),
		Dust:         new(uint256.Int),
		Contents:     len(groups),
		Purchases:    len(events),
	}
	if total.IsZero() {
		e.logger.Info("settlement window has no revenue",
			slog.Uint64("start_block", startBlock),
			slog.Int("purchases", len(events)))
		res.Tree = merkle.NewBalanceTree(nil)
		e.metrics.RecordWindow(0, res.Dust, total)
		return res, nil
	}
	res.Expected = scale.Full()

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	flattener := shares.NewFlattener(scale, shares.WithMaxDepth(e.maxDepth))
	var entries []shares.Entry
	for _, id := range ids {
		group := groups[id]
		budget, err := percent.MulDiv(scale.Full(), group.amount, total)
		if err != nil {
			return nil, fmt.Errorf("settlement: budget for %s: %w", id, err)
		}
		res.Divisions++
		dist, err := e.flatten(ctx, flattener, group, budget)
		if err != nil {
			return nil, fmt.Errorf("settlement: flatten %s: %w", id, err)
		}
		res.Dust.Add(res.Dust, dist.Dust)
		res.Divisions += dist.Divisions
		entries = append(entries, dist.Entries...)
	}

	owners, err := e.resolveOwners(ctx, entries)
	if err != nil {
		return nil, err
	}

	allocations := make(map[common.Address]*uint256.Int)
	for _, entry := range entries {
		if entry.Share.IsZero() {
			continue
		}
		owner := owners[types.NewNFTKey(entry.NFTAddress, entry.NFTID)]
		acc, ok := allocations[owner]
		if !ok {
			acc = new(uint256.Int)
			allocations[owner] = acc
		}
		next, err := percent.Add(acc, entry.Share)
		if err != nil {
			return nil, fmt.Errorf("settlement: allocation for %s: %w", owner.Hex(), err)
		}
		acc.Set(next)
	}
	res.Balances = make([]types.Balance, 0, len(allocations))
	for account, alloc := range allocations {
		res.Balances = append(res.Balances, types.Balance{Account: account, Allocation: alloc})
	}
	types.SortBalances(res.Balances)

	assigned, overflow := types.TotalAllocation(res.Balances)
	if overflow {
		return nil, fmt.Errorf("%w: allocation total overflows: %v", ErrInvariant, percent.ErrOverflow)
	}
	res.Assigned = assigned
	if err := checkDrift(res); err != nil {
		return nil, err
	}
	if drift := res.Drift(); !drift.IsZero() {
		e.logger.Warn("settlement allocations below full share",
			slog.String("drift", drift.Dec()),
			slog.Int("divisions", res.Divisions),
			slog.String("dust", res.Dust.Dec()))
	}

	res.Tree = merkle.NewBalanceTree(res.Balances)
	e.metrics.RecordWindow(len(res.Balances), res.Dust, total)
	e.logger.Info("settlement window computed",
		slog.Uint64("start_block", startBlock),
		slog.Int("purchases", res.Purchases),
		slog.Int("contents", res.Contents),
		slog.Int("balances", len(res.Balances)),
		slog.String("total_revenue", total.Dec()),
		slog.String("root", res.Tree.HexRoot()))
	return res, nil
}

func (e *Engine) flatten(ctx context.Context, flattener *shares.Flattener, group *contentGroup, budget *uint256.Int) (*shares.Distribution, error) {
	_, span := e.tracer.Start(ctx, "settlement.flatten",
		trace.WithAttributes(
			attribute.String("content", group.content.ID),
			attribute.Int("purchases", group.purchases)))
	defer span.End()
	dist, err := flattener.Flatten(group.content, group.policy, budget)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return dist, nil
}

// resolveOwners looks up each distinct NFT once. The first failure cancels the
// remaining lookups and fails the run.
func (e *Engine) resolveOwners(ctx context.Context, entries []shares.Entry) (map[types.NFTKey]common.Address, error) {
	seen := make(map[types.NFTKey]struct{})
	var pending []ownerShare
	for _, entry := range entries {
		if entry.Share.IsZero() {
			continue
		}
		key := types.NewNFTKey(entry.NFTAddress, entry.NFTID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		pending = append(pending, ownerShare{key: key, entry: entry})
	}
	sort.Slice(pending, func(i, j int) bool {
		if cmp := bytes.Compare(pending[i].key.Address[:], pending[j].key.Address[:]); cmp != 0 {
			return cmp < 0
		}
		return pending[i].key.ID < pending[j].key.ID
	})

	ctx, span := e.tracer.Start(ctx, "settlement.resolve_owners",
		trace.WithAttributes(attribute.Int("nfts", len(pending))))
	defer span.End()

	resolved := make([]common.Address, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range pending {
		g.Go(func() error {
			item := pending[i]
			owner, err := e.owners.OwnerOf(gctx, item.entry.NFTAddress, item.entry.NFTID)
			if err == nil && owner == (common.Address{}) {
				err = errors.New("owner is the zero address")
			}
			e.metrics.RecordOwnerLookup(err)
			if err != nil {
				return fmt.Errorf("%w: %s (content %s): %w", ErrOwnerLookup, item.key, item.entry.ContentID, err)
			}
			resolved[i] = owner
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	owners := make(map[types.NFTKey]common.Address, len(pending))
	for i, item := range pending {
		owners[item.key] = resolved[i]
	}
	return owners, nil
}

func groupPurchases(events []types.PurchaseEvent) (map[string]*contentGroup, *uint256.Int, error) {
	groups := make(map[string]*contentGroup)
	total := new(uint256.Int)
	for _, ev := range events {
		content := ev.License.Content
		if content == nil || content.ID == "" {
			return nil, nil, fmt.Errorf("settlement: purchase %s: %w", ev.ID, shares.ErrMalformedContent)
		}
		price := ev.PricePaid
		if price == nil {
			price = new(uint256.Int)
		}
		next, err := percent.Add(total, price)
		if err != nil {
			return nil, nil, fmt.Errorf("settlement: revenue total at purchase %s: %w", ev.ID, err)
		}
		total = next

		group, ok := groups[content.ID]
		if !ok {
			group = &contentGroup{content: content, amount: new(uint256.Int)}
			groups[content.ID] = group
		}
		group.amount.Add(group.amount, price)
		group.purchases++
		if policy := ev.License.SharePercentage; policy != nil {
			if group.policy == nil || policy.Gt(group.policy) {
				group.policy = new(uint256.Int).Set(policy)
			}
		}
	}
	return groups, total, nil
}

// checkDrift enforces that balances never exceed the expected total and fall
// short of it by at most one unit per truncating division.
func checkDrift(res *Result) error {
	if res.Assigned.Gt(res.Expected) {
		return fmt.Errorf("%w: assigned %s exceeds expected %s", ErrInvariant, res.Assigned.Dec(), res.Expected.Dec())
	}
	drift := res.Drift()
	if drift.Gt(uint256.NewInt(uint64(res.Divisions))) {
		return fmt.Errorf("%w: drift %s exceeds %d divisions", ErrInvariant, drift.Dec(), res.Divisions)
	}
	return nil
}
