package trade

import (
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/listing"
	"github.com/creatorx/market-engine/internal/model"
)

const (
	defaultRankingsLimit = 50
	maxRankingsLimit     = 200
	dashboardMovers      = 5
	dashboardListings    = 5
)

// Ranking is one row of the leaderboard.
type Ranking struct {
	Rank               int             `json:"rank"`
	AccountID          string          `json:"account_id"`
	Name               string          `json:"name"`
	IsAgent            bool            `json:"is_agent"`
	TotalAssets        decimal.Decimal `json:"total_assets"`
	TotalProfitLoss    decimal.Decimal `json:"total_profit_loss"`
	TotalProfitLossPct decimal.Decimal `json:"total_profit_loss_pct"`
}

// DashboardStats summarises market activity over the last 24 hours.
type DashboardStats struct {
	ActiveAssets int             `json:"active_assets"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	Trades24h    int             `json:"trades_24h"`
}

// Dashboard is the landing page payload.
type Dashboard struct {
	Stats       DashboardStats `json:"stats"`
	TopGainers  []model.Asset  `json:"top_gainers"`
	TopLosers   []model.Asset  `json:"top_losers"`
	NewListings []model.Asset  `json:"new_listings"`
}

// GetRankings handles GET /api/v1/rankings
// Query: period (all|30days), limit, agents=true to include liquidity agents.
// 30days ranks only accounts opened in the last 30 days.
func (s *Service) GetRankings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since time.Time
	switch q.Get("period") {
	case "", "all":
	case "30days":
		since = s.now().AddDate(0, 0, -30)
	default:
		writeError(w, "period must be all or 30days", http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"), defaultRankingsLimit)
	if err != nil || limit < 1 || limit > maxRankingsLimit {
		writeError(w, "limit must be between 1 and 200", http.StatusBadRequest)
		return
	}
	withAgents := q.Get("agents") == "true"

	ctx := r.Context()
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.fail(w, r, "failed to list accounts", err)
		return
	}

	assets := make(map[string]model.Asset)
	rows := make([]Ranking, 0, len(accounts))
	for i := range accounts {
		acct := &accounts[i]
		if acct.IsAgent && !withAgents {
			continue
		}
		if acct.CreatedAt.Before(since) {
			continue
		}
		p, err := s.portfolio(ctx, acct, assets)
		if err != nil {
			s.fail(w, r, "failed to build rankings", err)
			return
		}
		rows = append(rows, Ranking{
			AccountID:          acct.ID,
			Name:               acct.Name,
			IsAgent:            acct.IsAgent,
			TotalAssets:        p.TotalAssets,
			TotalProfitLoss:    p.TotalProfitLoss,
			TotalProfitLossPct: p.TotalProfitLossPct,
		})
	}

	rank(rows)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"rankings": rows})
}

// rank orders rows by return, then total assets, then account id, and
// numbers them from 1.
func rank(rows []Ranking) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if c := a.TotalProfitLossPct.Cmp(b.TotalProfitLossPct); c != 0 {
			return c > 0
		}
		if c := a.TotalAssets.Cmp(b.TotalAssets); c != 0 {
			return c > 0
		}
		return a.AccountID < b.AccountID
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
}

// GetDashboard handles GET /api/v1/dashboard
func (s *Service) GetDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	assets, err := s.store.ListAssets(ctx, true)
	if err != nil {
		s.fail(w, r, "failed to list assets", err)
		return
	}

	stats := DashboardStats{ActiveAssets: len(assets), Volume24h: decimal.Zero}
	from := s.now().Add(-24 * time.Hour)
	for _, a := range assets {
		prints, err := s.printsSince(ctx, a.ID, from)
		if err != nil {
			s.fail(w, r, "failed to load trades", err)
			return
		}
		for _, p := range prints {
			stats.Volume24h = stats.Volume24h.Add(p.Price.Mul(p.Quantity))
		}
		stats.Trades24h += len(prints)
	}

	byChange := listing.Filter{Sort: listing.SortChange, Page: 1, Limit: len(assets) + 1}.Apply(assets).Assets
	var gainers, losers []model.Asset
	for _, a := range byChange {
		if len(gainers) < dashboardMovers && listing.Change(a).IsPositive() {
			gainers = append(gainers, a)
		}
	}
	for i := len(byChange) - 1; i >= 0; i-- {
		if len(losers) < dashboardMovers && listing.Change(byChange[i]).IsNegative() {
			losers = append(losers, byChange[i])
		}
	}
	newest := listing.Filter{Sort: listing.SortNewest, Page: 1, Limit: dashboardListings}.Apply(assets).Assets

	writeJSON(w, http.StatusOK, Dashboard{
		Stats:       stats,
		TopGainers:  nonNil(gainers),
		TopLosers:   nonNil(losers),
		NewListings: newest,
	})
}

// ListCategories handles GET /api/v1/categories
func (s *Service) ListCategories(w http.ResponseWriter, r *http.Request) {
	assets, err := s.store.ListAssets(r.Context(), true)
	if err != nil {
		s.fail(w, r, "failed to list assets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": listing.Categories(assets)})
}

func nonNil(a []model.Asset) []model.Asset {
	if a == nil {
		return []model.Asset{}
	}
	return a
}
