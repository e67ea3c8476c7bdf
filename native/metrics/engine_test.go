package metrics

import (
	"errors"
	"math/big"
	"testing"
)

type mockState struct {
	updaters map[[20]byte]bool
}

func (m *mockState) HasRole(role string, addr []byte) bool {
	if role != RoleUpdater {
		return false
	}
	var key [20]byte
	copy(key[:], addr)
	return m.updaters[key]
}

func newTestEngine() (*Engine, [20]byte) {
	updater := [20]byte{0x07}
	engine := NewEngine(&mockState{updaters: map[[20]byte]bool{updater: true}})
	engine.SetNowFunc(func() int64 { return 1_000_000 })
	return engine, updater
}

func TestHarmonicMean(t *testing.T) {
	samples := newRing()
	samples[0] = big.NewInt(2)
	samples[1] = big.NewInt(2)
	samples[2] = big.NewInt(2)
	if got := harmonicMean(samples); got.Int64() != 2 {
		t.Fatalf("harmonic mean of {2,2,2}: got %s, want 2", got)
	}

	sparse := newRing()
	sparse[0] = big.NewInt(5)
	sparse[1] = big.NewInt(5)
	if got := harmonicMean(sparse); got.Sign() != 0 {
		t.Fatalf("expected undefined mean below %d samples, got %s", MinSamples, got)
	}
}

func TestHarmonicMeanSkipsZeroSamples(t *testing.T) {
	samples := newRing()
	samples[0] = big.NewInt(4)
	samples[1] = big.NewInt(4)
	samples[2] = big.NewInt(0)
	samples[3] = big.NewInt(4)
	if got := harmonicMean(samples); got.Int64() != 4 {
		t.Fatalf("expected zeros ignored: got %s, want 4", got)
	}
}

func TestUpdateAuthorization(t *testing.T) {
	engine, _ := newTestEngine()
	err := engine.Update([20]byte{0x99}, "DUST", big.NewInt(1), big.NewInt(1), big.NewInt(1))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestIssuanceRateUnavailable(t *testing.T) {
	engine, _ := newTestEngine()
	if _, err := engine.CalculateIssuanceRate("DUST", big.NewInt(1)); !errors.Is(err, ErrMetricsUnavailable) {
		t.Fatalf("expected metrics unavailable, got %v", err)
	}
}

func TestVelocityRecomputeRateLimited(t *testing.T) {
	engine, updater := newTestEngine()
	now := int64(1_000_000)
	engine.SetNowFunc(func() int64 { return now })

	if err := engine.Update(updater, "DUST", big.NewInt(10), big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("update: %v", err)
	}
	now += VelocityIntervalSeconds
	if err := engine.Update(updater, "DUST", big.NewInt(10), big.NewInt(100), big.NewInt(150)); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, err := engine.Snapshot("DUST")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(150), Precision)
	want.Div(want, big.NewInt(100))
	if snap.Velocity.Cmp(want) != 0 {
		t.Fatalf("velocity: got %s, want %s", snap.Velocity, want)
	}

	// Another sample inside the interval must not move the velocity.
	now += 10
	if err := engine.Update(updater, "DUST", big.NewInt(10), big.NewInt(100), big.NewInt(1)); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, err = engine.Snapshot("DUST")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Velocity.Cmp(want) != 0 {
		t.Fatalf("velocity recomputed inside interval: got %s", snap.Velocity)
	}
}

func feedStableMetrics(t *testing.T, engine *Engine, updater [20]byte, price, liquidity, volume *big.Int, samples int) {
	t.Helper()
	for i := 0; i < samples; i++ {
		if err := engine.Update(updater, "DUST", price, liquidity, volume); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
}

func TestIssuanceRateScenario(t *testing.T) {
	engine, updater := newTestEngine()
	now := int64(1_000_000)
	engine.SetNowFunc(func() int64 { return now })

	// Stable price, liquidity 2000 against reference 10000, rising volume.
	feedStableMetrics(t, engine, updater, big.NewInt(10), big.NewInt(2000), big.NewInt(100), 3)
	now += VelocityIntervalSeconds
	if err := engine.Update(updater, "DUST", big.NewInt(10), big.NewInt(2000), big.NewInt(150)); err != nil {
		t.Fatalf("update: %v", err)
	}

	rate, err := engine.CalculateIssuanceRate("DUST", big.NewInt(500))
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	// base 2000/10000 * cap = 0.1, velocity bonus (1.5-1)*0.1 = 0.05, full
	// stability, no amount bonus below the large-deposit threshold.
	want := big.NewInt(150_000_000_000_000_000)
	if rate.Cmp(want) != 0 {
		t.Fatalf("rate: got %s, want %s", rate, want)
	}
}

func TestIssuanceRateNeverExceedsCeiling(t *testing.T) {
	engine, updater := newTestEngine()
	now := int64(1_000_000)
	engine.SetNowFunc(func() int64 { return now })

	huge := new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
	cases := []struct {
		name      string
		price     *big.Int
		liquidity *big.Int
		volumes   []*big.Int
		amount    *big.Int
	}{
		{"zero liquidity", big.NewInt(10), big.NewInt(0), []*big.Int{big.NewInt(1), big.NewInt(1)}, big.NewInt(1)},
		{"huge everything", big.NewInt(10), huge, []*big.Int{big.NewInt(1), huge}, huge},
		{"velocity spike", big.NewInt(10), big.NewInt(50_000), []*big.Int{big.NewInt(1), new(big.Int).Mul(big.NewInt(1_000_000), Precision)}, huge},
		{"single sample", big.NewInt(10), big.NewInt(1), []*big.Int{big.NewInt(5)}, big.NewInt(0)},
	}
	for _, tc := range cases {
		fresh := NewEngine(&mockState{updaters: map[[20]byte]bool{updater: true}})
		fresh.SetNowFunc(func() int64 { return now })
		for i, volume := range tc.volumes {
			if err := fresh.Update(updater, "DUST", tc.price, tc.liquidity, volume); err != nil {
				t.Fatalf("%s: update %d: %v", tc.name, i, err)
			}
			now += VelocityIntervalSeconds
		}
		rate, err := fresh.CalculateIssuanceRate("DUST", tc.amount)
		if err != nil {
			t.Fatalf("%s: rate: %v", tc.name, err)
		}
		if rate.Cmp(MaxIssuanceRate) > 0 {
			t.Fatalf("%s: rate %s exceeds ceiling %s", tc.name, rate, MaxIssuanceRate)
		}
	}
}

func TestSettlementValue(t *testing.T) {
	engine, updater := newTestEngine()
	price := new(big.Int).Mul(big.NewInt(2), Precision)
	feedStableMetrics(t, engine, updater, price, big.NewInt(1000), big.NewInt(10), 3)

	value, err := engine.SettlementValue("DUST", big.NewInt(500))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.Int64() != 1000 {
		t.Fatalf("value: got %s, want 1000", value)
	}

	// Below the minimum sample count the price is undefined and the value is
	// reported as zero.
	fresh, freshUpdater := newTestEngine()
	if err := fresh.Update(freshUpdater, "DUST", price, big.NewInt(1000), big.NewInt(10)); err != nil {
		t.Fatalf("update: %v", err)
	}
	value, err = fresh.SettlementValue("DUST", big.NewInt(500))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.Sign() != 0 {
		t.Fatalf("expected zero value below sample floor, got %s", value)
	}
}
