package trade

import (
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// BuildPortfolio marks acct's positions and resting orders to the reference
// prices in assets. Positions whose asset is missing from assets are valued
// at their average price.
func BuildPortfolio(acct *model.Account, positions []model.Position, resting []model.Order, assets map[string]model.Asset) *model.Portfolio {
	p := &model.Portfolio{
		AccountID:     acct.ID,
		Balance:       acct.Balance,
		InitialBudget: acct.InitialBudget,
		Positions:     make([]model.PositionView, 0, len(positions)),
	}

	for _, pos := range positions {
		a, ok := assets[pos.AssetID]
		price := pos.AvgPrice
		if ok {
			price = a.ReferencePrice
		}
		value := pos.Quantity.Mul(price)
		cost := pos.Quantity.Mul(pos.AvgPrice)
		pl := value.Sub(cost)

		p.Positions = append(p.Positions, model.PositionView{
			AssetID:       pos.AssetID,
			AssetName:     a.Name,
			Quantity:      pos.Quantity,
			AvgPrice:      pos.AvgPrice,
			CurrentPrice:  price,
			CurrentValue:  value,
			CostBasis:     cost,
			ProfitLoss:    pl,
			ProfitLossPct: pct(pl, cost),
		})
		p.TotalPositionValue = p.TotalPositionValue.Add(value)
	}

	for _, o := range resting {
		switch o.Side {
		case model.Buy:
			p.LockedCash = p.LockedCash.Add(o.Remaining().Mul(o.Price))
		case model.Sell:
			price := o.Price
			if a, ok := assets[o.AssetID]; ok {
				price = a.ReferencePrice
			}
			p.LockedValue = p.LockedValue.Add(o.Remaining().Mul(price))
		}
	}

	p.TotalAssets = p.Balance.Add(p.LockedCash).Add(p.LockedValue).Add(p.TotalPositionValue)
	p.TotalProfitLoss = p.TotalAssets.Sub(p.InitialBudget)
	p.TotalProfitLossPct = pct(p.TotalProfitLoss, p.InitialBudget)
	return p
}

// pct returns part/whole as a percentage rounded to 2 places, or zero.
func pct(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
