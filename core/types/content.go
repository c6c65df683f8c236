package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Content is a registered piece of work addressed by its backing NFT. Its
// underlying works are the contents it derives from and must share revenue with.
type Content struct {
	ID              string           `json:"id"`
	NFTAddress      common.Address   `json:"nftAddress"`
	NFTID           *big.Int         `json:"nftId"`
	Type            string           `json:"type,omitempty"`
	RevShare        *RevShareLicense `json:"revShare,omitempty"`
	UnderlyingWorks []*Content       `json:"underlyingWorks,omitempty"`
}

// RevShareLicense is the minimum share a content requires when revenue flows
// through a work derived from it. MinShare is expressed in percent-scale units.
type RevShareLicense struct {
	ID       string       `json:"id,omitempty"`
	MinShare *uint256.Int `json:"minShare"`
}

// PurchasableLicense is the share policy applied when its content is bought
// directly. SharePercentage is expressed in percent-scale units.
type PurchasableLicense struct {
	ID              string       `json:"id"`
	SharePercentage *uint256.Int `json:"sharePercentage"`
	Price           *uint256.Int `json:"price,omitempty"`
	Content         *Content     `json:"content"`
}

// PurchaseEvent is revenue realised by the purchase of a license.
type PurchaseEvent struct {
	ID          string             `json:"id"`
	PricePaid   *uint256.Int       `json:"pricePaid"`
	License     PurchasableLicense `json:"license"`
	BlockNumber uint64             `json:"blockNumber"`
}

// ContentID derives the identifier the indexer assigns to the content backed
// by the supplied NFT: the lower-case contract address and the hex token id.
func ContentID(nftAddress common.Address, nftID *big.Int) string {
	id := "0x0"
	if nftID != nil {
		id = "0x" + nftID.Text(16)
	}
	return strings.ToLower(nftAddress.Hex()) + "-" + id
}

// MinShare returns the content's rev-share requirement, zero when it carries no license.
func (c *Content) MinShare() *uint256.Int {
	if c == nil || c.RevShare == nil || c.RevShare.MinShare == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(c.RevShare.MinShare)
}

// IsRoot reports whether the content has no underlying works.
func (c *Content) IsRoot() bool {
	return c == nil || len(c.UnderlyingWorks) == 0
}

// String identifies the content in log lines and errors.
func (c *Content) String() string {
	if c == nil {
		return "<nil content>"
	}
	if c.ID != "" {
		return c.ID
	}
	return ContentID(c.NFTAddress, c.NFTID)
}

// NFTKey identifies a single NFT for ownership lookups.
type NFTKey struct {
	Address common.Address
	ID      string
}

// NewNFTKey builds the lookup key for an NFT.
func NewNFTKey(address common.Address, id *big.Int) NFTKey {
	key := NFTKey{Address: address, ID: "0"}
	if id != nil {
		key.ID = id.String()
	}
	return key
}

// TokenID parses the key's decimal token id.
func (k NFTKey) TokenID() (*big.Int, error) {
	id, ok := new(big.Int).SetString(k.ID, 10)
	if !ok {
		return nil, fmt.Errorf("types: invalid token id %q", k.ID)
	}
	return id, nil
}

// String renders the key as address/id.
func (k NFTKey) String() string {
	return k.Address.Hex() + "/" + k.ID
}
