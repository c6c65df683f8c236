package subgraph

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"revshare/core/percent"
	"revshare/core/shares"
	"revshare/core/types"
)

type graphRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphError    `json:"errors"`
}

type graphError struct {
	Message string `json:"message"`
}

type windowsData struct {
	Windows []windowJSON `json:"windows"`
}

type windowJSON struct {
	ID             string `json:"id"`
	Index          string `json:"index"`
	BlockNumber    string `json:"blockNumber"`
	MerkleRoot     string `json:"merkleRoot"`
	FundsAvailable string `json:"fundsAvailable"`
}

type purchasesData struct {
	PurchaseEvents []purchaseJSON `json:"purchaseEvents"`
}

type purchaseJSON struct {
	ID          string       `json:"id"`
	PricePaid   string       `json:"pricePaid"`
	BlockNumber string       `json:"blockNumber"`
	License     *licenseJSON `json:"license"`
}

type licenseJSON struct {
	ID              string       `json:"id"`
	SharePercentage *int64       `json:"sharePercentage"`
	Price           string       `json:"price"`
	Content         *contentJSON `json:"content"`
}

type contentJSON struct {
	ID               string         `json:"id"`
	NFTAddress       string         `json:"nftAddress"`
	NFTID            string         `json:"nftId"`
	RevShareLicenses []revShareJSON `json:"revShareLicenses"`
	UnderlyingWorks  []*contentJSON `json:"underlyingWorks"`
}

type revShareJSON struct {
	ID                  string `json:"id"`
	MinSharePercentage  *int64 `json:"minSharePercentage"`
	MinShareBasisPoints *int64 `json:"minShareBasisPoints"`
}

// decoder converts indexer payloads into engine types, rejecting anything
// that does not match the expected schema.
type decoder struct {
	scale    percent.Scale
	unit     ShareUnit
	maxDepth int
	checkIDs bool
}

func schemaErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchema, fmt.Sprintf(format, args...))
}

func (d decoder) window(raw windowJSON) (*types.Window, error) {
	index, err := parseUint64(raw.Index)
	if err != nil {
		return nil, schemaErr("window %s index: %v", raw.ID, err)
	}
	block, err := parseUint64(raw.BlockNumber)
	if err != nil {
		return nil, schemaErr("window %s blockNumber: %v", raw.ID, err)
	}
	w := &types.Window{Index: index, BlockNumber: block, FundsAvailable: new(uint256.Int)}
	if raw.MerkleRoot != "" {
		root, err := hexutil.Decode(raw.MerkleRoot)
		if err != nil || len(root) != common.HashLength {
			return nil, schemaErr("window %s merkleRoot %q", raw.ID, raw.MerkleRoot)
		}
		w.MerkleRoot = common.BytesToHash(root)
	}
	if raw.FundsAvailable != "" {
		funds, err := uint256.FromDecimal(raw.FundsAvailable)
		if err != nil {
			return nil, schemaErr("window %s fundsAvailable %q: %v", raw.ID, raw.FundsAvailable, err)
		}
		w.FundsAvailable = funds
	}
	return w, nil
}

func (d decoder) purchase(raw purchaseJSON) (types.PurchaseEvent, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return types.PurchaseEvent{}, schemaErr("purchase without id")
	}
	price, err := uint256.FromDecimal(raw.PricePaid)
	if err != nil {
		return types.PurchaseEvent{}, schemaErr("purchase %s pricePaid %q: %v", raw.ID, raw.PricePaid, err)
	}
	block, err := parseUint64(raw.BlockNumber)
	if err != nil {
		return types.PurchaseEvent{}, schemaErr("purchase %s blockNumber: %v", raw.ID, err)
	}
	if raw.License == nil || raw.License.Content == nil {
		return types.PurchaseEvent{}, schemaErr("purchase %s has no licensed content", raw.ID)
	}
	policy := new(uint256.Int)
	if raw.License.SharePercentage != nil {
		policy, err = d.percentage(*raw.License.SharePercentage, UnitPercent)
		if err != nil {
			return types.PurchaseEvent{}, fmt.Errorf("purchase %s sharePercentage: %w", raw.ID, err)
		}
	}
	content, err := d.content(raw.License.Content, 0)
	if err != nil {
		return types.PurchaseEvent{}, fmt.Errorf("purchase %s: %w", raw.ID, err)
	}
	license := types.PurchasableLicense{
		ID:              raw.License.ID,
		SharePercentage: policy,
		Content:         content,
	}
	if raw.License.Price != "" {
		licensePrice, err := uint256.FromDecimal(raw.License.Price)
		if err != nil {
			return types.PurchaseEvent{}, schemaErr("license %s price %q: %v", raw.License.ID, raw.License.Price, err)
		}
		license.Price = licensePrice
	}
	return types.PurchaseEvent{
		ID:          raw.ID,
		PricePaid:   price,
		BlockNumber: block,
		License:     license,
	}, nil
}

func (d decoder) content(raw *contentJSON, depth int) (*types.Content, error) {
	if raw == nil || strings.TrimSpace(raw.ID) == "" {
		return nil, schemaErr("content without id at depth %d", depth)
	}
	if depth >= d.maxDepth && len(raw.UnderlyingWorks) > 0 {
		return nil, fmt.Errorf("%w: %s has underlying works below depth %d", shares.ErrDepthExceeded, raw.ID, d.maxDepth)
	}
	if !common.IsHexAddress(raw.NFTAddress) {
		return nil, schemaErr("content %s nftAddress %q", raw.ID, raw.NFTAddress)
	}
	nftID, ok := new(big.Int).SetString(raw.NFTID, 10)
	if !ok || nftID.Sign() < 0 {
		return nil, schemaErr("content %s nftId %q", raw.ID, raw.NFTID)
	}
	node := &types.Content{
		ID:         raw.ID,
		NFTAddress: common.HexToAddress(raw.NFTAddress),
		NFTID:      nftID,
	}
	if d.checkIDs {
		if want := types.ContentID(node.NFTAddress, nftID); !strings.EqualFold(want, raw.ID) {
			return nil, schemaErr("content id %s does not match nft %s", raw.ID, want)
		}
	}
	if len(raw.RevShareLicenses) > 0 {
		lic := raw.RevShareLicenses[0]
		value := lic.MinSharePercentage
		if d.unit == UnitBasisPoints {
			value = lic.MinShareBasisPoints
		}
		if value == nil {
			return nil, schemaErr("content %s rev-share license %s has no %s", raw.ID, lic.ID, d.unit.field())
		}
		minShare, err := d.percentage(*value, d.unit)
		if err != nil {
			return nil, fmt.Errorf("content %s minimum share: %w", raw.ID, err)
		}
		node.RevShare = &types.RevShareLicense{ID: lic.ID, MinShare: minShare}
	}
	for _, child := range raw.UnderlyingWorks {
		converted, err := d.content(child, depth+1)
		if err != nil {
			return nil, err
		}
		node.UnderlyingWorks = append(node.UnderlyingWorks, converted)
	}
	return node, nil
}

func (d decoder) percentage(value int64, unit ShareUnit) (*uint256.Int, error) {
	if value < 0 {
		return nil, schemaErr("negative share %d", value)
	}
	var (
		raw *uint256.Int
		err error
	)
	if unit == UnitBasisPoints {
		raw, err = d.scale.FromBasisPoints(uint64(value))
	} else {
		raw, err = d.scale.FromPercent(uint64(value))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	return raw, nil
}

func parseUint64(raw string) (uint64, error) {
	if raw == "" {
		return 0, fmt.Errorf("missing value")
	}
	return strconv.ParseUint(raw, 10, 64)
}
