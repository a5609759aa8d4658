package models

// PortfolioTopCoins is how many coins the portfolio summary includes
const PortfolioTopCoins = 6

// Portfolio aggregates the current snapshot for the dashboard header
type Portfolio struct {
	TotalValue float64        `json:"totalValue"` // sum of market caps
	AvgChange  float64        `json:"avgChange"`  // mean 24h change percentage
	Coins      []CoinSnapshot `json:"coins"`
}

// BuildPortfolio summarizes coins, which must already be ordered by rank.
// An empty input yields zero totals and an empty (non-nil) coin list.
func BuildPortfolio(coins []CoinSnapshot) Portfolio {
	p := Portfolio{Coins: []CoinSnapshot{}}
	if len(coins) == 0 {
		return p
	}

	var changeSum float64
	for _, c := range coins {
		p.TotalValue += c.MarketCap
		changeSum += c.Change24h
	}
	p.AvgChange = changeSum / float64(len(coins))

	top := coins
	if len(top) > PortfolioTopCoins {
		top = top[:PortfolioTopCoins]
	}
	p.Coins = append(p.Coins, top...)

	return p
}
