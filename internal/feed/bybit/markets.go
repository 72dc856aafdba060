package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marketrecorder/internal/models"
	"marketrecorder/internal/symbols"
	"marketrecorder/logger"
)

const instrumentsPageLimit = 1000

type instrument struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
	SettleCoin   string `json:"settleCoin"`
}

type instrumentsPage struct {
	Category       string       `json:"category"`
	List           []instrument `json:"list"`
	NextPageCursor string       `json:"nextPageCursor"`
}

// LoadMarkets fetches the instrument lists of every category the configured
// symbols live in.
func (f *Feed) LoadMarkets(ctx context.Context) (map[string]models.Market, error) {
	log := f.log.WithFields(logger.Fields{"operation": "load_markets"})

	categories := map[symbols.Category]struct{}{}
	for _, s := range f.cfg.Symbols {
		u, err := symbols.Parse(s)
		if err != nil {
			log.WithError(err).WithField("symbol", s).Warn("skipping unparsable symbol")
			continue
		}
		categories[u.Category()] = struct{}{}
	}
	if len(categories) == 0 {
		categories[symbols.CategoryLinear] = struct{}{}
	}

	start := time.Now()
	markets := make(map[string]models.Market)
	for category := range categories {
		if err := f.loadCategory(ctx, category, markets); err != nil {
			return nil, fmt.Errorf("load bybit %s markets: %w", category, err)
		}
	}

	f.mu.Lock()
	f.markets = markets
	f.mu.Unlock()

	out := make(map[string]models.Market, len(markets))
	for k, v := range markets {
		out[k] = v
	}
	logger.LogPerformanceEntry(log, "bybit_feed", "load_markets", time.Since(start), logger.Fields{
		"markets": len(markets),
	})
	return out, nil
}

func (f *Feed) loadCategory(ctx context.Context, category symbols.Category, into map[string]models.Market) error {
	cursor := ""
	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		params := map[string]interface{}{
			"category": string(category),
			"limit":    instrumentsPageLimit,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		resp, err := f.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err != nil {
			return err
		}
		if resp.RetCode != 0 {
			return fmt.Errorf("instruments-info returned %d: %s", resp.RetCode, resp.RetMsg)
		}

		payload, err := json.Marshal(resp.Result)
		if err != nil {
			return fmt.Errorf("marshal instruments: %w", err)
		}
		var page instrumentsPage
		if err := json.Unmarshal(payload, &page); err != nil {
			return fmt.Errorf("decode instruments: %w", err)
		}

		for _, in := range page.List {
			if m, ok := toMarket(category, in); ok {
				into[m.Symbol] = m
			}
		}

		if page.NextPageCursor == "" || page.NextPageCursor == cursor || len(page.List) == 0 {
			return nil
		}
		cursor = page.NextPageCursor
	}
}

// toMarket keeps spot pairs and perpetuals; dated futures and options are
// not recorded.
func toMarket(category symbols.Category, in instrument) (models.Market, bool) {
	if in.BaseCoin == "" || in.QuoteCoin == "" {
		return models.Market{}, false
	}
	if category != symbols.CategorySpot && !strings.HasSuffix(in.ContractType, "Perpetual") {
		return models.Market{}, false
	}
	m := models.Market{
		Symbol:   symbols.FromParts(in.BaseCoin, in.QuoteCoin, category),
		ID:       in.Symbol,
		Base:     strings.ToUpper(in.BaseCoin),
		Quote:    strings.ToUpper(in.QuoteCoin),
		Category: string(category),
		Active:   in.Status == "" || in.Status == "Trading",
	}
	if category != symbols.CategorySpot {
		m.Settle = strings.ToUpper(in.SettleCoin)
	}
	return m, true
}

// SetMarkets replaces the market table. Tests use it to skip the REST call.
func (f *Feed) SetMarkets(markets ...models.Market) {
	table := make(map[string]models.Market, len(markets))
	for _, m := range markets {
		table[m.Symbol] = m
	}
	f.mu.Lock()
	f.markets = table
	f.mu.Unlock()
}
