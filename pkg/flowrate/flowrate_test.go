package flowrate

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var oneTokenPerSecond, _ = new(big.Int).SetString("1000000000000000000", 10)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestComputeZeroTotalUnits(t *testing.T) {
	for _, points := range []int64{0, 1, 50, 1_000_000} {
		got := Compute(bi(points), bi(0), bi(0), bi(points), oneTokenPerSecond)
		assert.Equal(t, "0", got.String(), "points=%d", points)
	}
	assert.Equal(t, "0", Compute(bi(10), nil, nil, nil, oneTokenPerSecond).String())
}

func TestComputeHalfClaimedPool(t *testing.T) {
	// 50 points, nothing claimed yet, 1000 units on chain: share is 50/1050.
	points := bi(50)
	pending := PendingClaim(points, bi(0))
	require.Equal(t, "50", pending.String())

	got := Compute(points, bi(0), bi(1000), pending, oneTokenPerSecond)
	// floor(50e9/1050) = 47619047, then * 1e18 / 1e9
	assert.Equal(t, "47619047000000000", got.String())
	assert.True(t, NeedToClaim(points, bi(0)))
}

func TestComputeFullyClaimed(t *testing.T) {
	got := Compute(bi(250), bi(250), bi(1000), bi(0), oneTokenPerSecond)
	assert.Equal(t, "250000000000000000", got.String())
}

func TestComputeClampsToProgramRate(t *testing.T) {
	// totals sampled before a large claim landed: points exceed the pool.
	got := Compute(bi(5000), bi(5000), bi(1000), bi(0), oneTokenPerSecond)
	assert.Equal(t, oneTokenPerSecond.String(), got.String())
}

func TestComputeNeverExceedsProgramRate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		points := big.NewInt(rng.Int63n(1_000_000))
		claimed := big.NewInt(rng.Int63n(1_000_000))
		total := big.NewInt(rng.Int63n(10_000_000))
		flow := big.NewInt(rng.Int63n(1<<62) + 1)
		got := Compute(points, claimed, total, PendingClaim(points, claimed), flow)
		require.True(t, got.Cmp(flow) <= 0, "rate %s exceeds %s", got, flow)
		require.True(t, got.Sign() >= 0)
	}
}

func TestComputeDoesNotMutateInputs(t *testing.T) {
	points, total, pending := bi(50), bi(1000), bi(50)
	_ = Compute(points, bi(0), total, pending, oneTokenPerSecond)
	assert.Equal(t, "50", points.String())
	assert.Equal(t, "1000", total.String())
	assert.Equal(t, "50", pending.String())
	assert.Equal(t, "1000000000000000000", oneTokenPerSecond.String())
}

func TestNeedToClaimMatchesComparison(t *testing.T) {
	cases := []struct{ points, claimed int64 }{{0, 0}, {10, 0}, {10, 10}, {5, 10}, {11, 10}}
	for _, c := range cases {
		assert.Equal(t, c.points > c.claimed, NeedToClaim(bi(c.points), bi(c.claimed)), "%+v", c)
	}
}

func TestUnclaimed(t *testing.T) {
	assert.Equal(t, "0", Unclaimed(bi(100), bi(100), bi(1000), oneTokenPerSecond).String())
	// 40 pending out of 1000+40
	got := Unclaimed(bi(100), bi(60), bi(1000), oneTokenPerSecond)
	assert.Equal(t, "38461538000000000", got.String())
}

func TestSum(t *testing.T) {
	assert.Equal(t, "15", Sum(bi(5), nil, bi(10)).String())
	assert.Equal(t, "0", Sum().String())
}
