package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"revshare/core/merkle"
	"revshare/core/percent"
	"revshare/core/settlement"
	"revshare/core/types"
	"revshare/services/royaltyd"
	"revshare/storage/archive"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const balancesFixture = `[
  {"account": "0x0000000000000000000000000000000000000b0b", "allocation": "300000"},
  {"account": "0x00000000000000000000000000000000000a11ce", "allocation": "700000"}
]`

func TestTreeAndVerify(t *testing.T) {
	path := writeFile(t, "balances.json", balancesFixture)
	out, err := execute(t, "", "tree", "--proofs", path)
	require.NoError(t, err)

	var tree treeOutput
	require.NoError(t, json.Unmarshal([]byte(out), &tree))
	require.Equal(t, 2, tree.Accounts)
	require.Equal(t, "1000000", tree.Total)
	require.Len(t, tree.Proofs, 2)

	var balances []types.Balance
	require.NoError(t, json.Unmarshal([]byte(balancesFixture), &balances))
	types.SortBalances(balances)
	require.Equal(t, merkle.NewBalanceTree(balances).HexRoot(), tree.Root)

	claim := tree.Proofs[0]
	out, err = execute(t, "", "verify",
		"--root", tree.Root,
		"--account", claim.Account,
		"--allocation", claim.Allocation,
		"--proof", strings.Join(claim.Proof, ","))
	require.NoError(t, err)
	require.Contains(t, out, `"valid": true`)

	out, err = execute(t, "", "verify",
		"--root", tree.Root,
		"--account", claim.Account,
		"--allocation", "1",
		"--proof", strings.Join(claim.Proof, ","))
	require.ErrorIs(t, err, errInvalidClaim)
	require.Contains(t, out, `"valid": false`)

	stdinClaim, err := json.Marshal(royaltyd.VerifyRequest{Root: tree.Root, Account: claim.Account, Allocation: claim.Allocation, Proof: claim.Proof})
	require.NoError(t, err)
	_, err = execute(t, string(stdinClaim), "verify", "--file", "-")
	require.NoError(t, err)

	_, err = execute(t, "", "verify", "--root", "0x01", "--account", claim.Account, "--allocation", "1")
	require.ErrorIs(t, err, royaltyd.ErrBadRequest)
}

func TestTreeRejectsDuplicates(t *testing.T) {
	path := writeFile(t, "dup.json", `[
  {"account": "0x00000000000000000000000000000000000a11ce", "allocation": "1"},
  {"account": "0x00000000000000000000000000000000000a11ce", "allocation": "2"}
]`)
	_, err := execute(t, "", "tree", path)
	require.ErrorContains(t, err, "duplicate account")

	_, err = execute(t, `[{"account": "nope", "allocation": "1"}]`, "tree", "-")
	require.ErrorContains(t, err, "decode balances")
}

func cliConfig(t *testing.T, subgraphURL, rpcURL, archivePath string) string {
	t.Helper()
	return writeFile(t, "royaltyd.yaml", fmt.Sprintf(`
subgraph:
  url: %s
chain:
  rpc_url: %s
  percent_scale: 10000
archive:
  driver: leveldb
  path: %s
`, subgraphURL, rpcURL, archivePath))
}

func TestProofFromArchive(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "archive")
	cfgPath := cliConfig(t, "http://127.0.0.1:1", "http://127.0.0.1:1", archivePath)

	var balances []types.Balance
	require.NoError(t, json.Unmarshal([]byte(balancesFixture), &balances))
	types.SortBalances(balances)
	res := &settlement.Result{
		StartBlock:   10,
		Scale:        percent.MustScale(10_000),
		Balances:     balances,
		Tree:         merkle.NewBalanceTree(balances),
		TotalRevenue: uint256.NewInt(1_000),
	}
	store, err := archive.Open(archive.Config{Driver: "leveldb", Path: archivePath})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), archive.NewRecord(res, time.Now())))
	require.NoError(t, store.Close())

	out, err := execute(t, "", "--config", cfgPath, "proof", "0x00000000000000000000000000000000000a11ce")
	require.NoError(t, err)
	var proof royaltyd.ProofResponse
	require.NoError(t, json.Unmarshal([]byte(out), &proof))
	require.Equal(t, "700000", proof.Allocation)
	require.Equal(t, res.Root().Hex(), proof.Root)

	out, err = execute(t, "", "--config", cfgPath, "proof", "--root", res.Root().Hex(), "0x0000000000000000000000000000000000000b0b")
	require.NoError(t, err)
	require.Contains(t, out, `"allocation": "300000"`)

	_, err = execute(t, "", "--config", cfgPath, "proof", "0x0000000000000000000000000000000000000bad")
	require.ErrorIs(t, err, settlement.ErrAccountNotFound)

	_, err = execute(t, "", "--config", cfgPath, "proof", "--root", "0x1234", "0x0000000000000000000000000000000000000b0b")
	require.ErrorContains(t, err, "invalid root")
}

var nftContract = common.HexToAddress("0x00000000000000000000000000000000000000A1")

func fakeIndexer(t *testing.T) *httptest.Server {
	t.Helper()
	id := big.NewInt(7)
	event := map[string]any{
		"id":          "0xp1",
		"pricePaid":   "1000",
		"blockNumber": "15",
		"license": map[string]any{
			"id":              "license-1",
			"sharePercentage": 0,
			"price":           "1000",
			"content": map[string]any{
				"id":              types.ContentID(nftContract, id),
				"nftAddress":      strings.ToLower(nftContract.Hex()),
				"nftId":           id.String(),
				"underlyingWorks": []any{},
			},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(req.Query, "windows(") {
			_, _ = w.Write([]byte(`{"data":{"windows":[]}}`))
			return
		}
		events := []any{}
		if last, _ := req.Variables["last"].(string); last == "" {
			events = append(events, event)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"purchaseEvents": events}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fakeRPC(t *testing.T, owner common.Address) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "eth_call" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		word := common.LeftPadBytes(owner.Bytes(), 32)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  fmt.Sprintf("0x%x", word),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComputeArchivesWindow(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	indexer := fakeIndexer(t)
	rpc := fakeRPC(t, owner)
	archivePath := filepath.Join(t.TempDir(), "archive")
	cfgPath := cliConfig(t, indexer.URL, rpc.URL, archivePath)

	out, err := execute(t, "", "--config", cfgPath, "compute", "--archive")
	require.NoError(t, err)
	var summary royaltyd.WindowSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, uint64(0), summary.StartBlock)
	require.Equal(t, "1000", summary.TotalRevenue)
	require.Len(t, summary.Balances, 1)
	require.Equal(t, owner, summary.Balances[0].Account)
	require.Equal(t, "1000000", summary.Balances[0].Allocation.Dec())

	leaf := merkle.Leaf(summary.Balances[0])
	require.Equal(t, common.BytesToHash(leaf).Hex(), summary.Root, "a single balance is its own root")

	out, err = execute(t, "", "--config", cfgPath, "proof", owner.Hex())
	require.NoError(t, err)
	var proof royaltyd.ProofResponse
	require.NoError(t, json.Unmarshal([]byte(out), &proof))
	require.Equal(t, summary.Root, proof.Root)
	require.Empty(t, proof.Proof)
}
