package metrics

import "math/big"

// Fixed-point rates are scaled by Precision. All caps below are expressed in
// the same scale so they compose without conversions.
var (
	// Precision is the fixed-point scale for rates and ratios.
	Precision = big.NewInt(1_000_000_000_000_000_000)
	// BaseRateCap bounds the liquidity-derived base rate (0.5).
	BaseRateCap = big.NewInt(500_000_000_000_000_000)
	// MaxVelocityBonus bounds the rising-volume bonus (0.2).
	MaxVelocityBonus = big.NewInt(200_000_000_000_000_000)
	// VelocityScalingFactor converts excess velocity into bonus rate (0.1).
	VelocityScalingFactor = big.NewInt(100_000_000_000_000_000)
	// MaxStabilityReduction bounds the price-deviation penalty (0.5).
	MaxStabilityReduction = big.NewInt(500_000_000_000_000_000)
	// MaxAmountBonus bounds the large-deposit bonus (0.05).
	MaxAmountBonus = big.NewInt(50_000_000_000_000_000)
	// MaxIssuanceRate is the absolute protocol ceiling applied after all
	// bonuses (0.5). No input combination may push the final rate above it.
	MaxIssuanceRate = big.NewInt(500_000_000_000_000_000)
)

const (
	// WindowSize is the fixed length of each per-asset sample ring buffer.
	WindowSize = 24
	// MinSamples is the minimum non-zero sample count before a harmonic mean
	// is considered defined. Below it the mean is reported as zero and callers
	// must treat the asset as unpriced.
	MinSamples = 3
	// VelocityIntervalSeconds rate-limits volume-velocity recomputation.
	VelocityIntervalSeconds = int64(3600)
)

// TokenMetrics holds the rolling market samples and derived values for one
// asset. Each ring buffer has its own cursor; samples overwrite the oldest
// slot and the buffers are never resized.
type TokenMetrics struct {
	prices    []*big.Int
	liquidity []*big.Int
	volumes   []*big.Int

	priceCursor     int
	liquidityCursor int
	volumeCursor    int

	priceCount     int
	liquidityCount int
	volumeCount    int

	harmonicPrice     *big.Int
	harmonicLiquidity *big.Int
	velocity          *big.Int

	lastUpdate         int64
	lastVelocityUpdate int64
}

func newTokenMetrics() *TokenMetrics {
	return &TokenMetrics{
		prices:            newRing(),
		liquidity:         newRing(),
		volumes:           newRing(),
		harmonicPrice:     big.NewInt(0),
		harmonicLiquidity: big.NewInt(0),
		velocity:          big.NewInt(0),
	}
}

func newRing() []*big.Int {
	ring := make([]*big.Int, WindowSize)
	for i := range ring {
		ring[i] = big.NewInt(0)
	}
	return ring
}

// Snapshot is a read-only view of an asset's derived metrics.
type Snapshot struct {
	HarmonicPrice     *big.Int `json:"harmonicPrice"`
	HarmonicLiquidity *big.Int `json:"harmonicLiquidity"`
	Velocity          *big.Int `json:"velocity"`
	PriceSamples      int      `json:"priceSamples"`
	LastUpdate        int64    `json:"lastUpdate"`
}

// harmonicMean computes n / Σ(1/x_i) over the non-zero samples in fixed point.
// It returns zero when fewer than MinSamples non-zero samples exist; zero is
// the undefined-marker, never a valid mean.
func harmonicMean(samples []*big.Int) *big.Int {
	prec2 := new(big.Int).Mul(Precision, Precision)
	denom := big.NewInt(0)
	count := 0
	for _, sample := range samples {
		if sample == nil || sample.Sign() <= 0 {
			continue
		}
		count++
		denom.Add(denom, new(big.Int).Div(prec2, sample))
	}
	if count < MinSamples || denom.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(big.NewInt(int64(count)), prec2)
	return num.Div(num, denom)
}

// volumeVelocity is the ratio of the most recent to the second most recent
// volume sample, scaled by Precision. It is zero when fewer than two samples
// exist or the previous sample is zero.
func volumeVelocity(ring []*big.Int, cursor, count int) *big.Int {
	if count < 2 {
		return big.NewInt(0)
	}
	latest := ring[ringIndex(cursor-1)]
	previous := ring[ringIndex(cursor-2)]
	if previous == nil || previous.Sign() == 0 || latest == nil {
		return big.NewInt(0)
	}
	ratio := new(big.Int).Mul(latest, Precision)
	return ratio.Div(ratio, previous)
}

// maxRelativeDeviation returns the largest relative deviation of any non-zero
// historical sample from the most recent sample, scaled by Precision.
func maxRelativeDeviation(ring []*big.Int, cursor, count int) *big.Int {
	if count < MinSamples {
		return big.NewInt(0)
	}
	latest := ring[ringIndex(cursor-1)]
	if latest == nil || latest.Sign() == 0 {
		return big.NewInt(0)
	}
	maxDev := big.NewInt(0)
	for _, sample := range ring {
		if sample == nil || sample.Sign() == 0 {
			continue
		}
		diff := new(big.Int).Sub(sample, latest)
		diff.Abs(diff)
		dev := diff.Mul(diff, Precision)
		dev.Div(dev, latest)
		if dev.Cmp(maxDev) > 0 {
			maxDev = dev
		}
	}
	return maxDev
}

func ringIndex(i int) int {
	i %= WindowSize
	if i < 0 {
		i += WindowSize
	}
	return i
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
