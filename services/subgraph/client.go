// Package subgraph reads settlement windows and purchase events from the
// content licensing indexer over its GraphQL endpoint.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"revshare/core/percent"
	"revshare/core/shares"
	"revshare/core/types"
)

// DefaultPageSize is the largest page the indexer serves.
const DefaultPageSize = 1000

var (
	// ErrSchema is returned when a response does not match the expected shape.
	ErrSchema = errors.New("subgraph: response does not match schema")
	// ErrGraphQL is returned when the indexer reports query errors.
	ErrGraphQL = errors.New("subgraph: query failed")
)

// ScaleSource supplies the percent scale used to convert indexed percentages.
type ScaleSource interface {
	PercentScale(ctx context.Context) (*uint256.Int, error)
}

// Client implements the settlement graph source against a GraphQL endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	scales   ScaleSource
	logger   *slog.Logger
	pageSize int
	maxDepth int
	unit     ShareUnit
	checkIDs bool
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.http = client }
}

// WithPageSize sets the number of purchase events requested per page.
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithMaxDepth sets how many derivation levels the purchase query expands.
func WithMaxDepth(depth int) Option {
	return func(c *Client) { c.maxDepth = depth }
}

// WithShareUnit selects the unit of indexed rev-share minimums.
func WithShareUnit(unit ShareUnit) Option {
	return func(c *Client) { c.unit = unit }
}

// WithIDCheck toggles verification that content ids match their NFT.
func WithIDCheck(enabled bool) Option {
	return func(c *Client) { c.checkIDs = enabled }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient constructs a client for the indexer at endpoint.
func NewClient(endpoint string, scales ScaleSource, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("subgraph: endpoint required")
	}
	if scales == nil {
		return nil, fmt.Errorf("subgraph: percent scale source required")
	}
	c := &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		scales:   scales,
		logger:   slog.Default(),
		pageSize: DefaultPageSize,
		maxDepth: shares.DefaultMaxDepth,
		checkIDs: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pageSize <= 0 || c.pageSize > DefaultPageSize {
		c.pageSize = DefaultPageSize
	}
	if c.maxDepth <= 0 {
		c.maxDepth = shares.DefaultMaxDepth
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	return c, nil
}

// LatestWindow returns the window with the greatest block number, or nil when
// no window has been published.
func (c *Client) LatestWindow(ctx context.Context) (*types.Window, error) {
	var data windowsData
	if err := c.query(ctx, latestWindowQuery, nil, &data); err != nil {
		return nil, err
	}
	if len(data.Windows) == 0 {
		return nil, nil
	}
	return decoder{}.window(data.Windows[0])
}

// PurchaseEvents pages through every purchase at or after startBlock in id order.
func (c *Client) PurchaseEvents(ctx context.Context, startBlock uint64) ([]types.PurchaseEvent, error) {
	rawScale, err := c.scales.PercentScale(ctx)
	if err != nil {
		return nil, fmt.Errorf("subgraph: percent scale: %w", err)
	}
	scale, err := percent.NewScale(rawScale)
	if err != nil {
		return nil, fmt.Errorf("subgraph: percent scale: %w", err)
	}
	dec := decoder{scale: scale, unit: c.unit, maxDepth: c.maxDepth, checkIDs: c.checkIDs}
	query := purchasesQuery(c.maxDepth, c.unit)

	var (
		events []types.PurchaseEvent
		last   string
		pages  int
	)
	for {
		vars := map[string]any{
			"start": strconv.FormatUint(startBlock, 10),
			"last":  last,
			"first": c.pageSize,
		}
		var data purchasesData
		if err := c.query(ctx, query, vars, &data); err != nil {
			return nil, err
		}
		pages++
		for _, raw := range data.PurchaseEvents {
			if raw.ID <= last && last != "" {
				return nil, schemaErr("purchase %s out of order after %s", raw.ID, last)
			}
			ev, err := dec.purchase(raw)
			if err != nil {
				return nil, err
			}
			if ev.BlockNumber < startBlock {
				return nil, schemaErr("purchase %s at block %d before start %d", ev.ID, ev.BlockNumber, startBlock)
			}
			events = append(events, ev)
			last = raw.ID
		}
		if len(data.PurchaseEvents) < c.pageSize {
			break
		}
	}
	c.logger.Debug("subgraph purchases fetched",
		slog.Uint64("start_block", startBlock),
		slog.Int("events", len(events)),
		slog.Int("pages", pages))
	return events, nil
}

func (c *Client) query(ctx context.Context, query string, vars map[string]any, out any) error {
	buf, err := json.Marshal(graphRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("subgraph: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("subgraph: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var gql graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", ErrSchema, err)
	}
	if len(gql.Errors) > 0 {
		msgs := make([]string, 0, len(gql.Errors))
		for _, e := range gql.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("%w: %s", ErrGraphQL, strings.Join(msgs, "; "))
	}
	if len(gql.Data) == 0 || string(gql.Data) == "null" {
		return fmt.Errorf("%w: empty data", ErrSchema)
	}
	if err := json.Unmarshal(gql.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}
