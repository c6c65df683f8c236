package subgraph

import (
	"strings"
)

// ShareUnit selects how the indexer expresses rev-share minimums.
type ShareUnit int

const (
	// UnitPercent reads whole percentages from minSharePercentage.
	UnitPercent ShareUnit = iota
	// UnitBasisPoints reads hundredths of a percent from minShareBasisPoints.
	UnitBasisPoints
)

func (u ShareUnit) field() string {
	if u == UnitBasisPoints {
		return "minShareBasisPoints"
	}
	return "minSharePercentage"
}

// ParseShareUnit maps a configuration string onto a ShareUnit.
func ParseShareUnit(raw string) (ShareUnit, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "percent", "percentage":
		return UnitPercent, true
	case "bp", "bps", "basis_points", "basispoints":
		return UnitBasisPoints, true
	default:
		return UnitPercent, false
	}
}

const latestWindowQuery = `query LatestWindow {
  windows(first: 1, orderBy: blockNumber, orderDirection: desc) {
    id
    index
    blockNumber
    merkleRoot
    fundsAvailable
  }
}`

// purchasesQuery renders the paginated purchase query with the derivation
// tree expanded maxDepth levels below the purchased content. The level past
// the bound selects ids only so that deeper chains are detected.
func purchasesQuery(maxDepth int, unit ShareUnit) string {
	var b strings.Builder
	b.WriteString("query Purchases($start: BigInt!, $last: ID!, $first: Int!) {\n")
	b.WriteString("  purchaseEvents(first: $first, orderBy: id, orderDirection: asc, where: {blockNumber_gte: $start, id_gt: $last}) {\n")
	b.WriteString("    id\n    pricePaid\n    blockNumber\n")
	b.WriteString("    license {\n      id\n      sharePercentage\n      price\n      content {\n")
	writeContent(&b, 0, maxDepth, unit, 8)
	b.WriteString("      }\n    }\n  }\n}")
	return b.String()
}

func writeContent(b *strings.Builder, depth, maxDepth int, unit ShareUnit, indent int) {
	pad := strings.Repeat(" ", indent)
	b.WriteString(pad + "id\n")
	b.WriteString(pad + "nftAddress\n")
	b.WriteString(pad + "nftId\n")
	if depth > 0 {
		b.WriteString(pad + "revShareLicenses(first: 1) {\n")
		b.WriteString(pad + "  id\n")
		b.WriteString(pad + "  " + unit.field() + "\n")
		b.WriteString(pad + "}\n")
	}
	b.WriteString(pad + "underlyingWorks {\n")
	if depth == maxDepth {
		b.WriteString(pad + "  id\n")
	} else {
		writeContent(b, depth+1, maxDepth, unit, indent+2)
	}
	b.WriteString(pad + "}\n")
}
