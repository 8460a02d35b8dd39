package binance

import (
	"strings"
	"time"

	"quantflow/internal/market"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func convertKlineEvent(connID string, ev *futures.WsKlineEvent, now time.Time) (market.Event, bool) {
	if ev == nil {
		return market.Event{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	interval := strings.TrimSpace(ev.Kline.Interval)
	if symbol == "" || interval == "" {
		return market.Event{}, false
	}
	k := &market.Kline{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  ev.Kline.StartTime,
		CloseTime: ev.Kline.EndTime,
		Open:      parseDecimal(ev.Kline.Open),
		High:      parseDecimal(ev.Kline.High),
		Low:       parseDecimal(ev.Kline.Low),
		Close:     parseDecimal(ev.Kline.Close),
		Volume:    parseDecimal(ev.Kline.Volume),
		Trades:    ev.Kline.TradeNum,
		Closed:    ev.Kline.IsFinal,
	}
	return market.Event{
		Type:         market.EventKline,
		ConnectionID: connID,
		Symbol:       symbol,
		ReceivedAt:   now,
		Kline:        k,
	}, true
}

func convertMarkPriceEvent(connID string, ev *futures.WsMarkPriceEvent, now time.Time) (market.Event, bool) {
	if ev == nil {
		return market.Event{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	price := parseDecimal(ev.MarkPrice)
	if symbol == "" || !price.IsPositive() {
		return market.Event{}, false
	}
	return market.Event{
		Type:         market.EventMarkPrice,
		ConnectionID: connID,
		Symbol:       symbol,
		ReceivedAt:   now,
		MarkPrice: &market.MarkPrice{
			Symbol:          symbol,
			Price:           price,
			IndexPrice:      parseDecimal(ev.IndexPrice),
			FundingRate:     parseDecimal(ev.FundingRate),
			NextFundingTime: ev.NextFundingTime,
			EventTime:       ev.Time,
		},
	}, true
}

func convertDepthEvent(connID string, levels int, ev *futures.WsDepthEvent, now time.Time) (market.Event, bool) {
	if ev == nil {
		return market.Event{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return market.Event{}, false
	}
	depth := &market.PartialDepth{
		Symbol:    symbol,
		Levels:    levels,
		Bids:      make([]market.Level, 0, len(ev.Bids)),
		Asks:      make([]market.Level, 0, len(ev.Asks)),
		EventTime: ev.Time,
	}
	for _, b := range ev.Bids {
		depth.Bids = append(depth.Bids, market.Level{Price: parseDecimal(b.Price), Quantity: parseDecimal(b.Quantity)})
	}
	for _, a := range ev.Asks {
		depth.Asks = append(depth.Asks, market.Level{Price: parseDecimal(a.Price), Quantity: parseDecimal(a.Quantity)})
	}
	return market.Event{
		Type:         market.EventPartialDepth,
		ConnectionID: connID,
		Symbol:       symbol,
		ReceivedAt:   now,
		Depth:        depth,
	}, true
}

func convertKline(symbol, interval string, kl *futures.Kline, nowMillis int64) (market.Kline, bool) {
	if kl == nil {
		return market.Kline{}, false
	}
	return market.Kline{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  kl.OpenTime,
		CloseTime: kl.CloseTime,
		Open:      parseDecimal(kl.Open),
		High:      parseDecimal(kl.High),
		Low:       parseDecimal(kl.Low),
		Close:     parseDecimal(kl.Close),
		Volume:    parseDecimal(kl.Volume),
		Trades:    kl.TradeNum,
		Closed:    kl.CloseTime < nowMillis,
	}, true
}
