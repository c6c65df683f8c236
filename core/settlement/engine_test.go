package settlement

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/goleak"

	"revshare/core/merkle"
	"revshare/core/shares"
	"revshare/core/types"
)

const testUnits = 10_000

type fakeGraph struct {
	window   *types.Window
	events   []types.PurchaseEvent
	err      error
	gotStart uint64
}

func (g *fakeGraph) LatestWindow(context.Context) (*types.Window, error) {
	return g.window, nil
}

func (g *fakeGraph) PurchaseEvents(_ context.Context, startBlock uint64) ([]types.PurchaseEvent, error) {
	g.gotStart = startBlock
	if g.err != nil {
		return nil, g.err
	}
	return g.events, nil
}

type fakeOwners struct {
	mu     sync.Mutex
	owners map[types.NFTKey]common.Address
	fail   map[types.NFTKey]error
	calls  atomic.Int32
	seen   map[types.NFTKey]int
}

func newFakeOwners() *fakeOwners {
	return &fakeOwners{
		owners: make(map[types.NFTKey]common.Address),
		fail:   make(map[types.NFTKey]error),
		seen:   make(map[types.NFTKey]int),
	}
}

func (f *fakeOwners) set(c *types.Content, owner common.Address) {
	f.owners[types.NewNFTKey(c.NFTAddress, c.NFTID)] = owner
}

func (f *fakeOwners) OwnerOf(ctx context.Context, addr common.Address, id *big.Int) (common.Address, error) {
	f.calls.Add(1)
	key := types.NewNFTKey(addr, id)
	f.mu.Lock()
	f.seen[key]++
	err := f.fail[key]
	owner, ok := f.owners[key]
	f.mu.Unlock()
	if err != nil {
		return common.Address{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return common.Address{}, ctxErr
	}
	if !ok {
		return common.Address{}, errors.New("nonexistent token")
	}
	return owner, nil
}

var nextToken int64

func newContent(minSharePct uint64, children ...*types.Content) *types.Content {
	nextToken++
	addr := common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	id := big.NewInt(nextToken)
	c := &types.Content{
		ID:              types.ContentID(addr, id),
		NFTAddress:      addr,
		NFTID:           id,
		UnderlyingWorks: children,
	}
	if minSharePct > 0 {
		c.RevShare = &types.RevShareLicense{MinShare: uint256.NewInt(minSharePct * testUnits)}
	}
	return c
}

func purchase(id string, c *types.Content, price uint64, block uint64) types.PurchaseEvent {
	return types.PurchaseEvent{
		ID:          id,
		PricePaid:   uint256.NewInt(price),
		BlockNumber: block,
		License: types.PurchasableLicense{
			ID:              c.ID + "-0xmanager",
			SharePercentage: new(uint256.Int),
			Content:         c,
		},
	}
}

func account(b byte) common.Address {
	return common.BytesToAddress([]byte{0xaa, b})
}

func newTestEngine(t *testing.T, graph GraphSource, owners OwnerResolver, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	engine, err := NewEngine(graph, owners, StaticScale(testUnits), opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func allocationOf(t *testing.T, res *Result, acct common.Address) uint64 {
	t.Helper()
	b, ok := types.FindBalance(res.Balances, acct)
	if !ok {
		t.Fatalf("account %s missing from balances", acct.Hex())
	}
	return b.Allocation.Uint64()
}

func TestComputeWindowSingleLeafContent(t *testing.T) {
	c := newContent(0)
	owners := newFakeOwners()
	owners.set(c, account(1))
	graph := &fakeGraph{events: []types.PurchaseEvent{purchase("p1", c, 1_000, 10)}}

	res, err := newTestEngine(t, graph, owners).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(res.Balances) != 1 {
		t.Fatalf("expected one balance got %d", len(res.Balances))
	}
	if got := allocationOf(t, res, account(1)); got != 1_000_000 {
		t.Fatalf("expected full allocation got %d", got)
	}
	if !bytes.Equal(res.Tree.Root(), merkle.Leaf(res.Balances[0])) {
		t.Fatalf("single balance root must be its leaf")
	}
	if !res.Drift().IsZero() {
		t.Fatalf("expected no drift got %s", res.Drift().Dec())
	}
}

func TestComputeWindowDerivedContent(t *testing.T) {
	c2 := newContent(30)
	c1 := newContent(0, c2)
	owners := newFakeOwners()
	owners.set(c1, account(1))
	owners.set(c2, account(2))
	graph := &fakeGraph{events: []types.PurchaseEvent{purchase("p1", c1, 5_000, 10)}}

	res, err := newTestEngine(t, graph, owners).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if allocationOf(t, res, account(1)) != 700_000 || allocationOf(t, res, account(2)) != 300_000 {
		t.Fatalf("unexpected balances %+v", res.Balances)
	}
	for _, b := range res.Balances {
		_, proof, err := res.Proof(b.Account)
		if err != nil {
			t.Fatalf("proof: %v", err)
		}
		if !merkle.VerifyBalance(b, res.Tree.Root(), proof) {
			t.Fatalf("proof for %s did not verify", b.Account.Hex())
		}
	}
	if _, _, err := res.Proof(account(9)); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound got %v", err)
	}
}

func TestComputeWindowNestedDerivation(t *testing.T) {
	c3 := newContent(50)
	c2 := newContent(30, c3)
	c1 := newContent(0, c2)
	owners := newFakeOwners()
	owners.set(c1, account(1))
	owners.set(c2, account(2))
	owners.set(c3, account(3))
	graph := &fakeGraph{events: []types.PurchaseEvent{purchase("p1", c1, 1, 10)}}

	res, err := newTestEngine(t, graph, owners).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if allocationOf(t, res, account(1)) != 700_000 ||
		allocationOf(t, res, account(2)) != 150_000 ||
		allocationOf(t, res, account(3)) != 150_000 {
		t.Fatalf("unexpected balances %+v", res.Balances)
	}
}

func TestComputeWindowSplitsRevenueAcrossContents(t *testing.T) {
	a, b := newContent(0), newContent(0)
	owners := newFakeOwners()
	owners.set(a, account(1))
	owners.set(b, account(2))
	graph := &fakeGraph{
		window: &types.Window{Index: 3, BlockNumber: 120},
		events: []types.PurchaseEvent{
			purchase("p1", a, 100, 120),
			purchase("p2", b, 200, 121),
			purchase("p3", b, 100, 125),
		},
	}

	res, err := newTestEngine(t, graph, owners).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if graph.gotStart != 120 || res.StartBlock != 120 {
		t.Fatalf("expected start block 120 got %d/%d", graph.gotStart, res.StartBlock)
	}
	if allocationOf(t, res, account(1)) != 250_000 || allocationOf(t, res, account(2)) != 750_000 {
		t.Fatalf("unexpected balances %+v", res.Balances)
	}
	if res.Contents != 2 || res.Purchases != 3 || res.TotalRevenue.Uint64() != 400 {
		t.Fatalf("unexpected counters contents=%d purchases=%d revenue=%s", res.Contents, res.Purchases, res.TotalRevenue.Dec())
	}
}

func TestComputeWindowAggregatesSharedOwner(t *testing.T) {
	shared := newContent(20)
	left := newContent(0, shared)
	right := newContent(0, shared)
	owners := newFakeOwners()
	owners.set(shared, account(1))
	owners.set(left, account(1))
	owners.set(right, account(2))
	graph := &fakeGraph{events: []types.PurchaseEvent{
		purchase("p1", left, 50, 1),
		purchase("p2", right, 50, 2),
	}}

	res, err := newTestEngine(t, graph, owners).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(res.Balances) != 2 {
		t.Fatalf("expected two balances got %d", len(res.Balances))
	}
	// left keeps 400000 and its owner also holds shared: 100000 + 100000.
	if allocationOf(t, res, account(1)) != 600_000 || allocationOf(t, res, account(2)) != 400_000 {
		t.Fatalf("unexpected balances %+v", res.Balances)
	}
	if calls := owners.calls.Load(); calls != 3 {
		t.Fatalf("expected one lookup per distinct nft, got %d", calls)
	}
}

func TestComputeWindowLargestPolicyWins(t *testing.T) {
	child := newContent(20)
	c := newContent(0, child)
	owners := newFakeOwners()
	owners.set(c, account(1))
	owners.set(child, account(2))
	low := purchase("p1", c, 10, 1)
	high := purchase("p2", c, 10, 2)
	high.License.SharePercentage = uint256.NewInt(50 * testUnits)
	graph := &fakeGraph{events: []types.PurchaseEvent{low, high}}

	res, err := newTestEngine(t, graph, owners).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if allocationOf(t, res, account(1)) != 500_000 || allocationOf(t, res, account(2)) != 500_000 {
		t.Fatalf("unexpected balances %+v", res.Balances)
	}
}

func TestComputeWindowEmpty(t *testing.T) {
	graph := &fakeGraph{window: &types.Window{BlockNumber: 99}}
	owners := newFakeOwners()
	res, err := newTestEngine(t, graph, owners).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(res.Balances) != 0 || res.Root() != merkle.EmptyRoot {
		t.Fatalf("expected empty window got %d balances root %s", len(res.Balances), res.Root().Hex())
	}
	if owners.calls.Load() != 0 {
		t.Fatalf("empty window must not resolve owners")
	}

	free := newContent(0)
	graph.events = []types.PurchaseEvent{purchase("p1", free, 0, 100)}
	res, err = newTestEngine(t, graph, owners).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute zero revenue: %v", err)
	}
	if len(res.Balances) != 0 || res.Root() != merkle.EmptyRoot {
		t.Fatalf("zero revenue window must be empty")
	}
}

func TestComputeWindowOwnershipFailureAbortsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	children := make([]*types.Content, 0, 20)
	owners := newFakeOwners()
	for i := 0; i < 20; i++ {
		child := newContent(1)
		owners.set(child, account(byte(i+10)))
		children = append(children, child)
	}
	root := newContent(0, children...)
	owners.set(root, account(1))
	boom := errors.New("rpc unavailable")
	owners.fail[types.NewNFTKey(children[7].NFTAddress, children[7].NFTID)] = boom
	graph := &fakeGraph{events: []types.PurchaseEvent{purchase("p1", root, 1_000, 1)}}

	res, err := newTestEngine(t, graph, owners, WithConcurrency(4)).ComputeWindow(context.Background())
	if res != nil {
		t.Fatalf("failed run must not return a result")
	}
	if !errors.Is(err, ErrOwnerLookup) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped ownership failure got %v", err)
	}
}

func TestComputeWindowResolvesConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)

	children := make([]*types.Content, 0, 50)
	owners := newFakeOwners()
	for i := 0; i < 50; i++ {
		child := newContent(2)
		owners.set(child, account(byte(i+10)))
		children = append(children, child)
	}
	root := newContent(0, children...)
	owners.set(root, account(1))
	graph := &fakeGraph{events: []types.PurchaseEvent{purchase("p1", root, 1_000, 1)}}

	res, err := newTestEngine(t, graph, owners, WithConcurrency(16)).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(res.Balances) != 51 {
		t.Fatalf("expected 51 balances got %d", len(res.Balances))
	}
	for key, n := range owners.seen {
		if n != 1 {
			t.Fatalf("nft %s resolved %d times", key, n)
		}
	}
	for i := 1; i < len(res.Balances); i++ {
		if bytes.Compare(res.Balances[i-1].Account[:], res.Balances[i].Account[:]) >= 0 {
			t.Fatalf("balances not sorted by account")
		}
	}
}

func TestComputeWindowDriftWithinDivisions(t *testing.T) {
	owners := newFakeOwners()
	var events []types.PurchaseEvent
	for i := 0; i < 3; i++ {
		c2 := newContent(33)
		c1 := newContent(0, c2, newContent(17))
		owners.set(c1, account(byte(3*i+1)))
		owners.set(c2, account(byte(3*i+2)))
		owners.set(c1.UnderlyingWorks[1], account(byte(3*i+3)))
		events = append(events, purchase("p", c1, uint64(7+i), uint64(i)))
	}
	graph := &fakeGraph{events: events}

	res, err := newTestEngine(t, graph, owners).ComputeWindow(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	drift := res.Drift()
	if drift.Uint64() > uint64(res.Divisions) {
		t.Fatalf("drift %s exceeds divisions %d", drift.Dec(), res.Divisions)
	}
	if res.Assigned.Gt(res.Expected) {
		t.Fatalf("assigned exceeds expected")
	}
}

func TestComputeWindowPropagatesDataErrors(t *testing.T) {
	a := newContent(10)
	b := newContent(10, a)
	a.UnderlyingWorks = []*types.Content{b}
	root := newContent(0, a)
	graph := &fakeGraph{events: []types.PurchaseEvent{purchase("p1", root, 10, 1)}}
	_, err := newTestEngine(t, graph, newFakeOwners(), WithMaxDepth(50)).ComputeWindow(context.Background())
	if !errors.Is(err, shares.ErrCycle) {
		t.Fatalf("expected ErrCycle got %v", err)
	}

	broken := purchase("p2", root, 10, 1)
	broken.License.Content = nil
	graph = &fakeGraph{events: []types.PurchaseEvent{broken}}
	if _, err := newTestEngine(t, graph, newFakeOwners()).ComputeWindow(context.Background()); !errors.Is(err, shares.ErrMalformedContent) {
		t.Fatalf("expected ErrMalformedContent got %v", err)
	}

	down := errors.New("indexer down")
	graph = &fakeGraph{err: down}
	if _, err := newTestEngine(t, graph, newFakeOwners()).ComputeWindow(context.Background()); !errors.Is(err, down) {
		t.Fatalf("expected transport error got %v", err)
	}
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(nil, newFakeOwners(), StaticScale(1)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured got %v", err)
	}
	graph := &fakeGraph{events: []types.PurchaseEvent{purchase("p1", newContent(0), 1, 1)}}
	engine, err := NewEngine(graph, newFakeOwners(), StaticScale(0))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.ComputeWindow(context.Background()); err == nil {
		t.Fatalf("zero percent scale must fail the run")
	}
}
