package aggregator

import (
	"testing"

	"fxfeed/pkg/types"
)

func TestBucketCenterSnapsToPipGrid(t *testing.T) {
	t.Parallel()
	p := NewProfile(4) // one pip = 0.0001

	if got := p.BucketCenter(1.08734); got != 1.0873 {
		t.Errorf("BucketCenter(1.08734) = %v, want 1.0873", got)
	}
	if got := p.BucketCenter(1.08736); got != 1.0874 {
		t.Errorf("BucketCenter(1.08736) = %v, want 1.0874", got)
	}
	// The classic float trap: 1.0871 has no exact binary representation.
	if got := p.BucketCenter(1.0871); got != 1.0871 {
		t.Errorf("BucketCenter(1.0871) = %v, want 1.0871", got)
	}
}

func TestApplyKeepsLevelsSorted(t *testing.T) {
	t.Parallel()
	p := NewProfile(4)

	for _, px := range []float64{1.0875, 1.0871, 1.0873, 1.0871, 1.0879} {
		p.Apply(px, types.DirectionUp)
	}

	levels := p.Levels()
	if len(levels) != 4 {
		t.Fatalf("len(levels) = %d, want 4", len(levels))
	}
	for i := 1; i < len(levels); i++ {
		if levels[i].Price <= levels[i-1].Price {
			t.Errorf("levels not sorted: %v >= %v", levels[i-1].Price, levels[i].Price)
		}
	}
	if levels[0].Price != 1.0871 || levels[0].Volume != 2 {
		t.Errorf("levels[0] = %+v, want price 1.0871 volume 2", levels[0])
	}
}

func TestApplyDirectionAccounting(t *testing.T) {
	t.Parallel()
	p := NewProfile(4)

	p.Apply(1.1000, types.DirectionUp)
	p.Apply(1.1000, types.DirectionUp)
	p.Apply(1.1000, types.DirectionDown)
	p.Apply(1.1000, types.DirectionFlat)

	lv := p.Levels()[0]
	if lv.Volume != 4 {
		t.Errorf("Volume = %d, want 4", lv.Volume)
	}
	if lv.BuyVolume != 2 || lv.SellVolume != 1 {
		t.Errorf("buy/sell = %d/%d, want 2/1", lv.BuyVolume, lv.SellVolume)
	}
	if lv.Delta != 1 {
		t.Errorf("Delta = %d, want 1", lv.Delta)
	}
	// Flat ticks contribute to Volume only.
	if lv.Volume < lv.BuyVolume+lv.SellVolume {
		t.Errorf("Volume %d < BuyVolume+SellVolume %d", lv.Volume, lv.BuyVolume+lv.SellVolume)
	}
}

func TestFlushReturnsOnlyTouchedBuckets(t *testing.T) {
	t.Parallel()
	p := NewProfile(4)

	p.Apply(1.1000, types.DirectionUp)
	p.Apply(1.1001, types.DirectionUp)
	if got := len(p.Flush()); got != 2 {
		t.Fatalf("first Flush returned %d levels, want 2", got)
	}

	if got := p.Flush(); got != nil {
		t.Fatalf("second Flush returned %d levels, want none", len(got))
	}

	p.Apply(1.1000, types.DirectionDown)
	delta := p.Flush()
	if len(delta) != 1 {
		t.Fatalf("Flush after one touch returned %d levels, want 1", len(delta))
	}
	if delta[0].Price != 1.1000 || delta[0].Volume != 2 {
		t.Errorf("delta[0] = %+v, want cumulative totals for 1.1000", delta[0])
	}
}

func TestResetClearsEverything(t *testing.T) {
	t.Parallel()
	p := NewProfile(4)

	p.Apply(1.1000, types.DirectionUp)
	p.Reset()

	if p.Len() != 0 {
		t.Errorf("Len = %d after Reset, want 0", p.Len())
	}
	if p.Flush() != nil {
		t.Error("Flush after Reset should return nothing")
	}
}
