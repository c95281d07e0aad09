package aggregator

import (
	"sort"

	"github.com/shopspring/decimal"

	"fxfeed/pkg/types"
)

// Profile accumulates tick activity into fixed-width price buckets for the
// current session. Bucket width is one pip; centers are snapped onto the
// pip grid with decimal arithmetic so float drift can never split one price
// level into two adjacent buckets.
type Profile struct {
	pip    decimal.Decimal
	levels []types.MarketProfileLevel // sorted by Price ascending
	index  map[float64]int            // bucket center → position in levels
	dirty  map[float64]bool           // centers touched since last Flush
}

// NewProfile creates an empty profile with bucket width 10^(-pipPosition).
func NewProfile(pipPosition int32) *Profile {
	return &Profile{
		pip:   decimal.New(1, -pipPosition),
		index: make(map[float64]int),
		dirty: make(map[float64]bool),
	}
}

// BucketCenter snaps a price to the nearest multiple of the bucket width.
func (p *Profile) BucketCenter(price float64) float64 {
	c, _ := decimal.NewFromFloat(price).DivRound(p.pip, 0).Mul(p.pip).Float64()
	return c
}

// Apply records one tick at the given price. The direction decides whether
// the tick counts toward buy volume, sell volume, or total volume only.
func (p *Profile) Apply(price float64, dir types.TickDirection) {
	center := p.BucketCenter(price)
	i, ok := p.index[center]
	if !ok {
		i = sort.Search(len(p.levels), func(j int) bool { return p.levels[j].Price >= center })
		p.levels = append(p.levels, types.MarketProfileLevel{})
		copy(p.levels[i+1:], p.levels[i:])
		p.levels[i] = types.MarketProfileLevel{Price: center}
		for j := i; j < len(p.levels); j++ {
			p.index[p.levels[j].Price] = j
		}
	}

	lv := &p.levels[i]
	lv.Volume++
	switch dir {
	case types.DirectionUp:
		lv.BuyVolume++
	case types.DirectionDown:
		lv.SellVolume++
	}
	lv.Delta = lv.BuyVolume - lv.SellVolume
	p.dirty[center] = true
}

// Levels returns a copy of every level, sorted by price.
func (p *Profile) Levels() []types.MarketProfileLevel {
	out := make([]types.MarketProfileLevel, len(p.levels))
	copy(out, p.levels)
	return out
}

// Flush returns the levels touched since the previous Flush and clears the
// dirty set. Values are the current bucket totals, not increments, so a
// consumer that misses an intermediate flush resyncs on the next touch.
func (p *Profile) Flush() []types.MarketProfileLevel {
	if len(p.dirty) == 0 {
		return nil
	}
	out := make([]types.MarketProfileLevel, 0, len(p.dirty))
	for center := range p.dirty {
		out = append(out, p.levels[p.index[center]])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	p.dirty = make(map[float64]bool)
	return out
}

// Reset clears all levels. Called at session rollover.
func (p *Profile) Reset() {
	p.levels = p.levels[:0]
	p.index = make(map[float64]int)
	p.dirty = make(map[float64]bool)
}

// Len returns the number of active levels.
func (p *Profile) Len() int {
	return len(p.levels)
}
