package gateway

import (
	"fxfeed/pkg/types"
)

// Wire shapes for the client WebSocket API. Every message is a flat JSON
// object with a "type" discriminator.

type inboundMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

type symbolInfo struct {
	Name        string `json:"name"`
	Digits      int32  `json:"digits"`
	PipPosition int32  `json:"pipPosition"`
}

type symbolListMsg struct {
	Type    string       `json:"type"`
	Symbols []symbolInfo `json:"symbols"`
}

type profileLevel struct {
	Price      float64 `json:"price"`
	Volume     int64   `json:"volume"`
	BuyVolume  int64   `json:"buyVolume"`
	SellVolume int64   `json:"sellVolume"`
	Delta      int64   `json:"delta"`
}

type marketProfileMsg struct {
	Levels []profileLevel `json:"levels"`
}

type symbolDataPackageMsg struct {
	Type             string           `json:"type"`
	Symbol           string           `json:"symbol"`
	Digits           int32            `json:"digits"`
	PipPosition      int32            `json:"pipPosition"`
	Bid              float64          `json:"bid"`
	Ask              float64          `json:"ask"`
	Mid              float64          `json:"mid"`
	TodaysOpen       float64          `json:"todaysOpen"`
	TodaysHigh       float64          `json:"todaysHigh"`
	TodaysLow        float64          `json:"todaysLow"`
	PreviousClose    float64          `json:"previousClose"`
	ProjectedAdrHigh float64          `json:"projectedAdrHigh"`
	ProjectedAdrLow  float64          `json:"projectedAdrLow"`
	MarketProfile    marketProfileMsg `json:"marketProfile"`
	VolatilityPct    float64          `json:"volatilityPct"`
}

type deltaLevel struct {
	Price      float64 `json:"price"`
	Volume     int64   `json:"volume"`
	BuyVolume  int64   `json:"buyVolume"`
	SellVolume int64   `json:"sellVolume"`
}

type tickMsg struct {
	Type              string       `json:"type"`
	Symbol            string       `json:"symbol"`
	Bid               float64      `json:"bid"`
	Ask               float64      `json:"ask"`
	Mid               float64      `json:"mid"`
	Ts                int64        `json:"ts"`
	LastTickDirection string       `json:"lastTickDirection"`
	TodaysHigh        float64      `json:"todaysHigh"`
	TodaysLow         float64      `json:"todaysLow"`
	VolatilityPct     float64      `json:"volatilityPct"`
	ProfileDelta      []deltaLevel `json:"profileDelta,omitempty"`
}

type unsubscribedMsg struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type connectionStatusMsg struct {
	Type   string `json:"type"`
	Broker string `json:"broker"`
}

type pongMsg struct {
	Type         string `json:"type"`
	ServerTimeMs int64  `json:"serverTimeMs"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newDataPackage(st types.SymbolState) symbolDataPackageMsg {
	levels := make([]profileLevel, 0, len(st.MarketProfile))
	for _, lv := range st.MarketProfile {
		levels = append(levels, profileLevel{
			Price:      lv.Price,
			Volume:     lv.Volume,
			BuyVolume:  lv.BuyVolume,
			SellVolume: lv.SellVolume,
			Delta:      lv.Delta,
		})
	}
	return symbolDataPackageMsg{
		Type:             "symbolDataPackage",
		Symbol:           st.Symbol.Name,
		Digits:           st.Symbol.Digits,
		PipPosition:      st.Symbol.PipPosition,
		Bid:              st.Bid,
		Ask:              st.Ask,
		Mid:              st.Mid,
		TodaysOpen:       st.TodaysOpen,
		TodaysHigh:       st.TodaysHigh,
		TodaysLow:        st.TodaysLow,
		PreviousClose:    st.PreviousClose,
		ProjectedAdrHigh: st.ProjectedAdrHigh,
		ProjectedAdrLow:  st.ProjectedAdrLow,
		MarketProfile:    marketProfileMsg{Levels: levels},
		VolatilityPct:    st.VolatilityPct,
	}
}

func newTickMsg(st types.SymbolState, delta []types.MarketProfileLevel) tickMsg {
	out := tickMsg{
		Type:              "tick",
		Symbol:            st.Symbol.Name,
		Bid:               st.Bid,
		Ask:               st.Ask,
		Mid:               st.Mid,
		Ts:                st.TimestampMs,
		LastTickDirection: string(st.LastTickDirection),
		TodaysHigh:        st.TodaysHigh,
		TodaysLow:         st.TodaysLow,
		VolatilityPct:     st.VolatilityPct,
	}
	for _, lv := range delta {
		out.ProfileDelta = append(out.ProfileDelta, deltaLevel{
			Price:      lv.Price,
			Volume:     lv.Volume,
			BuyVolume:  lv.BuyVolume,
			SellVolume: lv.SellVolume,
		})
	}
	return out
}
