package codec

import (
	"fmt"

	"fxfeed/pkg/types"
)

// events.go converts decoded param maps into the typed events the rest of
// the backend consumes. Keeping the conversions next to the schema means a
// broker schema swap touches only this package.

// TickFromParams builds a Tick from a decoded SpotEvent.
func TickFromParams(params map[string]any) (types.Tick, error) {
	id, ok := int64Param(params, "symbolId")
	if !ok {
		return types.Tick{}, fmt.Errorf("spot event: missing symbolId")
	}
	bid, _ := float64Param(params, "bid")
	ask, _ := float64Param(params, "ask")
	ts, _ := int64Param(params, "timestampMs")
	return types.Tick{SymbolID: int32(id), Bid: bid, Ask: ask, TimestampMs: ts}, nil
}

// TrendbarEventFromParams builds a DailyBar from a decoded TrendbarEvent,
// whatever its period. The caller routes on the returned period string.
func TrendbarEventFromParams(params map[string]any) (string, types.DailyBar, error) {
	id, ok := int64Param(params, "symbolId")
	if !ok {
		return "", types.DailyBar{}, fmt.Errorf("trendbar event: missing symbolId")
	}
	period, _ := stringParam(params, "period")
	ts, _ := int64Param(params, "timestampMs")
	open, _ := float64Param(params, "open")
	high, _ := float64Param(params, "high")
	low, _ := float64Param(params, "low")
	closePx, _ := float64Param(params, "close")
	return period, types.DailyBar{
		SymbolID:    int32(id),
		TimestampMs: ts,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePx,
	}, nil
}

// DailyBarsFromParams extracts the bars of a decoded GetTrendbarsRes as
// daily bars.
func DailyBarsFromParams(params map[string]any) ([]types.DailyBar, error) {
	raw, symbolID, err := barsFromParams(params)
	if err != nil {
		return nil, err
	}
	out := make([]types.DailyBar, 0, len(raw))
	for _, b := range raw {
		out = append(out, types.DailyBar{
			SymbolID:    symbolID,
			TimestampMs: b.ts,
			Open:        b.open,
			High:        b.high,
			Low:         b.low,
			Close:       b.close,
		})
	}
	return out, nil
}

// MinuteBarsFromParams extracts the bars of a decoded GetTrendbarsRes as
// 1-minute bars.
func MinuteBarsFromParams(params map[string]any) ([]types.MinuteBar, error) {
	raw, symbolID, err := barsFromParams(params)
	if err != nil {
		return nil, err
	}
	out := make([]types.MinuteBar, 0, len(raw))
	for _, b := range raw {
		out = append(out, types.MinuteBar{
			SymbolID:    symbolID,
			TimestampMs: b.ts,
			Open:        b.open,
			High:        b.high,
			Low:         b.low,
			Close:       b.close,
		})
	}
	return out, nil
}

// SymbolEntriesFromParams extracts the (id, name) pairs of a decoded
// SymbolsListRes.
func SymbolEntriesFromParams(params map[string]any) ([]types.Symbol, error) {
	elems, _ := params["symbols"].([]map[string]any)
	out := make([]types.Symbol, 0, len(elems))
	for i, elem := range elems {
		id, ok := int64Param(elem, "symbolId")
		if !ok {
			return nil, fmt.Errorf("symbol entry %d: missing symbolId", i)
		}
		name, ok := stringParam(elem, "symbolName")
		if !ok {
			return nil, fmt.Errorf("symbol entry %d: missing symbolName", i)
		}
		out = append(out, types.Symbol{ID: int32(id), Name: name})
	}
	return out, nil
}

// SymbolFromParams builds full symbol metadata from a decoded SymbolByIdRes.
func SymbolFromParams(params map[string]any) (types.Symbol, error) {
	id, ok := int64Param(params, "symbolId")
	if !ok {
		return types.Symbol{}, fmt.Errorf("symbol metadata: missing symbolId")
	}
	name, _ := stringParam(params, "symbolName")
	digits, _ := int64Param(params, "digits")
	pip, _ := int64Param(params, "pipPosition")
	return types.Symbol{ID: int32(id), Name: name, Digits: int32(digits), PipPosition: int32(pip)}, nil
}

type rawBar struct {
	ts                     int64
	open, high, low, close float64
}

func barsFromParams(params map[string]any) ([]rawBar, int32, error) {
	id, _ := int64Param(params, "symbolId")
	elems, _ := params["bars"].([]map[string]any)
	out := make([]rawBar, 0, len(elems))
	for i, elem := range elems {
		ts, ok := int64Param(elem, "timestampMs")
		if !ok {
			return nil, 0, fmt.Errorf("bar %d: missing timestampMs", i)
		}
		open, _ := float64Param(elem, "open")
		high, _ := float64Param(elem, "high")
		low, _ := float64Param(elem, "low")
		closePx, _ := float64Param(elem, "close")
		out = append(out, rawBar{ts: ts, open: open, high: high, low: low, close: closePx})
	}
	return out, int32(id), nil
}

func int64Param(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	default:
		return 0, false
	}
}

func float64Param(params map[string]any, key string) (float64, bool) {
	v, ok := params[key].(float64)
	return v, ok
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}
