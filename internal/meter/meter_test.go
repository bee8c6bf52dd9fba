package meter

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestMeterRate(t *testing.T) {
	clk := clock.NewMock()
	m := NewWithClock(clk, 5*time.Second)

	if r := m.Rate(); r != 0 {
		t.Fatalf("empty meter rate = %v, want 0", r)
	}

	m.Record(500)
	m.Record(500)

	if r := m.Rate(); r != 200 {
		t.Errorf("rate = %v, want 200", r)
	}
	if m.Total() != 1000 {
		t.Errorf("total = %d, want 1000", m.Total())
	}
}

func TestMeterDecays(t *testing.T) {
	clk := clock.NewMock()
	m := NewWithClock(clk, 5*time.Second)

	m.Record(100)
	clk.Add(time.Second)
	m.Record(100)

	before := m.Rate()
	clk.Add(4 * time.Second)
	after := m.Rate()

	if after >= before {
		t.Errorf("rate should fall without new records: before=%v after=%v", before, after)
	}

	clk.Add(10 * time.Second)
	if r := m.Rate(); r != 0 {
		t.Errorf("rate after idle window = %v, want 0", r)
	}
	if m.Total() != 200 {
		t.Errorf("total should survive decay: got %d, want 200", m.Total())
	}
}

func TestMeterWindowRolls(t *testing.T) {
	clk := clock.NewMock()
	m := NewWithClock(clk, 2*time.Second)

	for i := 0; i < 10; i++ {
		m.Record(10)
		clk.Add(time.Second)
	}

	// only the last full second is still inside the window
	if r := m.Rate(); r != 5 {
		t.Errorf("rate = %v, want 5", r)
	}
}

func TestMeterConcurrent(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Record(1)
				_ = m.Rate()
			}
		}()
	}
	wg.Wait()

	if m.Total() != 8000 {
		t.Errorf("total = %d, want 8000", m.Total())
	}
}

func TestNewPair(t *testing.T) {
	p := NewPair(clock.NewMock())
	p.Down.Record(3)

	if p.Up.Total() != 0 || p.Down.Total() != 3 {
		t.Errorf("pair meters should be independent: down=%d up=%d", p.Down.Total(), p.Up.Total())
	}
}
