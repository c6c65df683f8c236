package royaltyd

import (
	"time"

	"revshare/core/types"
	"revshare/storage/archive"
)

// WindowSummary is the JSON rendering of an archived window.
type WindowSummary struct {
	RunID        string          `json:"run_id"`
	StartBlock   uint64          `json:"start_block"`
	Root         string          `json:"root"`
	PercentScale string          `json:"percent_scale"`
	TotalRevenue string          `json:"total_revenue"`
	Dust         string          `json:"dust"`
	Accounts     int             `json:"accounts"`
	CreatedAt    time.Time       `json:"created_at"`
	Balances     []types.Balance `json:"balances,omitempty"`
}

// Summarize renders rec, optionally including every balance.
func Summarize(rec *archive.Record, withBalances bool) WindowSummary {
	summary := WindowSummary{
		RunID:        rec.RunID,
		StartBlock:   rec.StartBlock,
		Root:         rec.Root.Hex(),
		PercentScale: decimal(rec.PercentScale),
		TotalRevenue: decimal(rec.TotalRevenue),
		Dust:         decimal(rec.Dust),
		Accounts:     len(rec.Balances),
		CreatedAt:    rec.CreatedAt,
	}
	if withBalances {
		summary.Balances = rec.Balances
	}
	return summary
}

// ProofResponse carries everything a claimant submits on-chain.
type ProofResponse struct {
	Root       string   `json:"root"`
	Account    string   `json:"account"`
	Allocation string   `json:"allocation"`
	Proof      []string `json:"proof"`
}

// VerifyRequest asks whether a claim is committed by root.
type VerifyRequest struct {
	Root       string   `json:"root"`
	Account    string   `json:"account"`
	Allocation string   `json:"allocation"`
	Proof      []string `json:"proof"`
}

// VerifyResponse reports the outcome of a verification.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

type errorResponse struct {
	Error string `json:"error"`
}
