package eligibility

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flowpoints/eligibility/pkg/chain"
	"github.com/flowpoints/eligibility/pkg/grantledger"
	"github.com/flowpoints/eligibility/pkg/grants"
	"github.com/flowpoints/eligibility/pkg/points"
	"github.com/flowpoints/eligibility/pkg/redis"
	"github.com/flowpoints/eligibility/pkg/retry"
)

var (
	communityPool = common.HexToAddress("0x00000000000000000000000000000000000c0001")
	partnerPool   = common.HexToAddress("0x00000000000000000000000000000000000c0002")
	oneTokenPerS  = big.NewInt(1_000_000_000_000_000_000)
)

type fakePoints struct {
	mu      sync.Mutex
	allocs  map[string]map[string]uint64
	errs    map[string]error
	submits []points.GrantRequest
	// apply credits accepted grants to allocs, as the point ledger does.
	apply bool
}

func (f *fakePoints) BatchFetchAllocations(_ context.Context, programID string, addresses []string) ([]points.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[programID]; err != nil {
		return nil, err
	}
	var out []points.Allocation
	for _, a := range addresses {
		if pts, ok := f.allocs[programID][a]; ok {
			out = append(out, points.Allocation{Address: a, Points: pts})
		}
	}
	return out, nil
}

func (f *fakePoints) SubmitGrant(_ context.Context, req points.GrantRequest) (points.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if f.apply {
		for _, s := range f.submits[:len(f.submits)-1] {
			if s.IdempotencyKey == req.IdempotencyKey {
				return points.Ack{Accepted: true, Duplicate: true}, nil
			}
		}
		if f.allocs == nil {
			f.allocs = make(map[string]map[string]uint64)
		}
		if f.allocs[req.ProgramID] == nil {
			f.allocs[req.ProgramID] = make(map[string]uint64)
		}
		f.allocs[req.ProgramID][req.Address] += req.Points
	}
	return points.Ack{Accepted: true}, nil
}

type fakeChain struct {
	totals    map[common.Address]*big.Int
	totalErrs map[common.Address]error
	lockers   map[common.Address]common.Address
	claimed   map[common.Address]map[common.Address]*big.Int // pool -> locker -> units
	txCounts  map[common.Address]uint64
}

func (f *fakeChain) ResolveLockers(_ context.Context, users []common.Address) map[common.Address]common.Address {
	out := make(map[common.Address]common.Address)
	for _, u := range users {
		if l, ok := f.lockers[u]; ok {
			out[u] = l
		}
	}
	return out
}

func (f *fakeChain) ClaimedUnitsBatch(_ context.Context, lockers map[common.Address]common.Address, pool common.Address) map[common.Address]chain.ClaimStatus {
	out := make(map[common.Address]chain.ClaimStatus)
	for user, locker := range lockers {
		units := new(big.Int)
		if v, ok := f.claimed[pool][locker]; ok {
			units.Set(v)
		}
		out[user] = chain.ClaimStatus{Locker: locker, ClaimedUnits: units}
	}
	return out
}

func (f *fakeChain) TotalUnits(_ context.Context, pool common.Address) (*big.Int, error) {
	if err := f.totalErrs[pool]; err != nil {
		return nil, err
	}
	if v, ok := f.totals[pool]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) TransactionCount(_ context.Context, account common.Address) (uint64, error) {
	return f.txCounts[account], nil
}

func addr(i int) string {
	return fmt.Sprintf("0x%040x", i+1)
}

func programs() []Program {
	return []Program{
		{ID: "community", Name: "Community", PoolAddress: communityPool, TotalFlowRate: new(big.Int).Set(oneTokenPerS), Primary: true},
		{ID: "partner", Name: "Partner", PoolAddress: partnerPool, TotalFlowRate: big.NewInt(500)},
	}
}

func newEngine(t *testing.T, pts *fakePoints, ch *fakeChain, decider *grants.Decider, o Options) *Engine {
	t.Helper()
	e, err := NewEngine(programs(), pts, ch, decider, zaptest.NewLogger(t), o)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func newDecider(t *testing.T, pts points.Client, activity grants.ActivityReader, max int) (*grants.Decider, grantledger.Ledger) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	ledger := grantledger.NewRedisLedger(redis.Wrap(rdb, zaptest.NewLogger(t), "test"), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = ledger.Close() })

	d, err := grants.NewDecider(grants.Policy{
		ProgramID:       "community",
		Threshold:       50,
		Amount:          50,
		MinTransactions: 0,
		Window:          time.Hour,
		MaxPerWindow:    max,
	}, ledger, activity, pts, zaptest.NewLogger(t), grants.Opts{
		SubmitRetry: retry.Config{MaxRetries: 1},
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, ledger
}

func TestComputeEligibilityFlowRate(t *testing.T) {
	a0, a1 := addr(0), addr(1)
	locker := common.HexToAddress("0x00000000000000000000000000000000000f0001")
	pts := &fakePoints{allocs: map[string]map[string]uint64{
		"community": {a0: 50, a1: 50},
	}}
	ch := &fakeChain{
		totals:  map[common.Address]*big.Int{communityPool: big.NewInt(1000), partnerPool: big.NewInt(10)},
		lockers: map[common.Address]common.Address{common.HexToAddress(a1): locker},
		claimed: map[common.Address]map[common.Address]*big.Int{communityPool: {locker: big.NewInt(30)}},
	}
	e := newEngine(t, pts, ch, nil, Options{})

	got, err := e.ComputeEligibility(context.Background(), []string{a0, a1})
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, a0, first.Address)
	assert.True(t, first.HasAllocations)
	assert.True(t, first.ClaimNeeded)
	assert.Nil(t, first.AutoGrant)
	require.Len(t, first.Eligibility, 2)
	assert.Equal(t, ProgramEligibility{
		ProgramID:         "community",
		ProgramName:       "Community",
		Points:            50,
		ClaimedAmount:     "0",
		NeedToClaim:       true,
		EstimatedFlowRate: "47619047000000000",
		UnclaimedFlowRate: "47619047000000000",
	}, first.Eligibility[0])
	assert.Equal(t, "0", first.Eligibility[1].EstimatedFlowRate)
	assert.False(t, first.Eligibility[1].NeedToClaim)
	assert.Equal(t, "47619047000000000", first.TotalFlowRate)

	second := got[1]
	assert.Equal(t, "30", second.Eligibility[0].ClaimedAmount)
	assert.True(t, second.Eligibility[0].NeedToClaim)
	assert.Equal(t, "49019607000000000", second.Eligibility[0].EstimatedFlowRate)
	assert.Equal(t, "19607843000000000", second.Eligibility[0].UnclaimedFlowRate)
}

func TestComputeEligibilityTotalUnitsFailureDegradesOneProgram(t *testing.T) {
	a0 := addr(0)
	pts := &fakePoints{allocs: map[string]map[string]uint64{
		"community": {a0: 50},
		"partner":   {a0: 10},
	}}
	ch := &fakeChain{
		totals:    map[common.Address]*big.Int{partnerPool: big.NewInt(90)},
		totalErrs: map[common.Address]error{communityPool: errors.New("rpc timeout")},
	}
	e := newEngine(t, pts, ch, nil, Options{})

	got, err := e.ComputeEligibility(context.Background(), []string{a0})
	require.NoError(t, err)
	require.Len(t, got[0].Eligibility, 2)

	community, partner := got[0].Eligibility[0], got[0].Eligibility[1]
	assert.Equal(t, "community", community.ProgramID)
	assert.Equal(t, "0", community.EstimatedFlowRate)
	assert.Equal(t, uint64(50), community.Points)
	assert.True(t, community.NeedToClaim)

	// 10 / (90 + 10) of 500
	assert.Equal(t, "50", partner.EstimatedFlowRate)
	assert.Equal(t, "50", got[0].TotalFlowRate)
}

func TestComputeEligibilityAllocationFailureDegradesOneProgram(t *testing.T) {
	a0 := addr(0)
	pts := &fakePoints{
		allocs: map[string]map[string]uint64{"partner": {a0: 10}},
		errs:   map[string]error{"community": errors.New("ledger unavailable")},
	}
	ch := &fakeChain{totals: map[common.Address]*big.Int{communityPool: big.NewInt(1000), partnerPool: big.NewInt(90)}}
	e := newEngine(t, pts, ch, nil, Options{})

	got, err := e.ComputeEligibility(context.Background(), []string{a0})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got[0].Eligibility[0].Points)
	assert.Equal(t, "0", got[0].Eligibility[0].EstimatedFlowRate)
	assert.Equal(t, uint64(10), got[0].Eligibility[1].Points)
	assert.True(t, got[0].HasAllocations)
}

func TestComputeEligibilityKeepsRequestOrderAndDuplicates(t *testing.T) {
	a0, a1 := addr(0), addr(1)
	pts := &fakePoints{allocs: map[string]map[string]uint64{"community": {a0: 5, a1: 7}}}
	ch := &fakeChain{totals: map[common.Address]*big.Int{communityPool: big.NewInt(100)}}
	e := newEngine(t, pts, ch, nil, Options{})

	upper := "0x" + strings.ToUpper(a1[2:])
	got, err := e.ComputeEligibility(context.Background(), []string{upper, a0, a1})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, a1, got[0].Address)
	assert.Equal(t, a0, got[1].Address)
	assert.Equal(t, a1, got[2].Address)
	assert.Equal(t, got[0], got[2])
	assert.Equal(t, uint64(7), got[0].Eligibility[0].Points)

	// Entries for repeated addresses do not alias each other.
	got[0].Eligibility[0].Points = 0
	assert.Equal(t, uint64(7), got[2].Eligibility[0].Points)
}

func TestComputeEligibilityRejectsBadInput(t *testing.T) {
	e := newEngine(t, &fakePoints{}, &fakeChain{}, nil, Options{MaxBatchSize: 2})
	ctx := context.Background()

	cases := []struct {
		name  string
		input []string
		want  error
		code  string
	}{
		{"empty", nil, ErrEmptyBatch, "empty_batch"},
		{"not hex", []string{addr(0), "0xnothex"}, ErrInvalidAddress, "invalid_address"},
		{"short", []string{"0x1234"}, ErrInvalidAddress, "invalid_address"},
		{"no prefix", []string{strings.TrimPrefix(addr(0), "0x")}, ErrInvalidAddress, "invalid_address"},
		{"too many", []string{addr(0), addr(1), addr(2)}, ErrBatchTooLarge, "batch_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.ComputeEligibility(ctx, tc.input)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.ErrorIs(t, err, tc.want)
			var inputErr *InputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tc.code, inputErr.Code())
		})
	}
}

func TestComputeEligibilityGrantIsReflectedAndIdempotent(t *testing.T) {
	poor, rich := addr(0), addr(1)
	pts := &fakePoints{allocs: map[string]map[string]uint64{"community": {rich: 500}}}
	ch := &fakeChain{
		totals:   map[common.Address]*big.Int{communityPool: big.NewInt(1000), partnerPool: big.NewInt(10)},
		txCounts: map[common.Address]uint64{common.HexToAddress(poor): 3, common.HexToAddress(rich): 3},
	}
	decider, ledger := newDecider(t, pts, ch, 10)
	e := newEngine(t, pts, ch, decider, Options{})
	ctx := context.Background()

	first, err := e.ComputeEligibility(ctx, []string{poor, rich})
	require.NoError(t, err)
	second, err := e.ComputeEligibility(ctx, []string{poor, rich})
	require.NoError(t, err)

	require.NotNil(t, first[0].AutoGrant)
	assert.Equal(t, string(grants.OutcomeGranted), first[0].AutoGrant.Outcome)
	assert.Equal(t, uint64(50), first[0].Eligibility[0].Points)
	assert.True(t, first[0].HasAllocations)
	assert.Equal(t, string(grants.OutcomeNotNeeded), first[1].AutoGrant.Outcome)

	assert.Equal(t, string(grants.OutcomeResubmitted), second[0].AutoGrant.Outcome)
	assert.Equal(t, first[0].Eligibility, second[0].Eligibility)
	assert.Equal(t, first[1], second[1])

	events, err := ledger.Recent(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, poor, events[0].Address)
}

func TestComputeEligibilityGrantAppliedByLedgerIsNotAddedTwice(t *testing.T) {
	target := addr(0)
	pts := &fakePoints{apply: true}
	ch := &fakeChain{
		totals:   map[common.Address]*big.Int{communityPool: big.NewInt(1000)},
		txCounts: map[common.Address]uint64{common.HexToAddress(target): 3},
	}
	decider, ledger := newDecider(t, pts, ch, 10)
	e := newEngine(t, pts, ch, decider, Options{})
	ctx := context.Background()

	first, err := e.ComputeEligibility(ctx, []string{target})
	require.NoError(t, err)
	assert.Equal(t, string(grants.OutcomeGranted), first[0].AutoGrant.Outcome)
	assert.Equal(t, uint64(50), first[0].Eligibility[0].Points)

	require.Eventually(t, func() bool {
		pts.mu.Lock()
		defer pts.mu.Unlock()
		return len(pts.submits) == 1
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		got, err := e.ComputeEligibility(ctx, []string{target})
		require.NoError(t, err)
		assert.Equal(t, string(grants.OutcomeNotNeeded), got[0].AutoGrant.Outcome)
		assert.Equal(t, uint64(50), got[0].Eligibility[0].Points)
	}

	decider.Close()
	assert.Len(t, pts.submits, 1)
	events, err := ledger.Recent(ctx, time.Hour)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestComputeEligibilitySkipsGrantWhenAllocationsUnavailable(t *testing.T) {
	target := addr(0)
	pts := &fakePoints{
		allocs: map[string]map[string]uint64{"community": {target: 5000}},
		errs:   map[string]error{"community": errors.New("points api down")},
	}
	ch := &fakeChain{
		totals:   map[common.Address]*big.Int{communityPool: big.NewInt(1000), partnerPool: big.NewInt(10)},
		txCounts: map[common.Address]uint64{common.HexToAddress(target): 3},
	}
	decider, ledger := newDecider(t, pts, ch, 10)
	e := newEngine(t, pts, ch, decider, Options{})
	ctx := context.Background()

	got, err := e.ComputeEligibility(ctx, []string{target})
	require.NoError(t, err)

	require.NotNil(t, got[0].AutoGrant)
	assert.Equal(t, string(grants.OutcomeAllocationsUnavailable), got[0].AutoGrant.Outcome)
	assert.Zero(t, got[0].Eligibility[0].Points)

	decider.Close()
	assert.Empty(t, pts.submits)
	events, err := ledger.Recent(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestComputeEligibilityConcurrentIdenticalRequests(t *testing.T) {
	target := addr(0)
	pts := &fakePoints{}
	ch := &fakeChain{
		totals:   map[common.Address]*big.Int{communityPool: big.NewInt(1000)},
		txCounts: map[common.Address]uint64{common.HexToAddress(target): 10},
	}
	decider, ledger := newDecider(t, pts, ch, 10)
	e := newEngine(t, pts, ch, decider, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]AddressEligibility, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := e.ComputeEligibility(ctx, []string{target})
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		require.Len(t, got, 1)
		assert.Equal(t, uint64(50), got[0].Eligibility[0].Points)
	}
	events, err := ledger.Recent(ctx, time.Hour)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	decider.Close()
	for _, s := range pts.submits {
		assert.Equal(t, grantledger.KeyFor("community", target), s.IdempotencyKey)
	}
}

func TestComputeEligibilityConcurrentBatchesRespectWindow(t *testing.T) {
	pts := &fakePoints{}
	ch := &fakeChain{
		totals:   map[common.Address]*big.Int{communityPool: big.NewInt(1000)},
		txCounts: map[common.Address]uint64{},
	}
	batches := make([][]string, 5)
	for b := range batches {
		for i := 0; i < 8; i++ {
			a := addr(b*8 + i)
			batches[b] = append(batches[b], a)
			ch.txCounts[common.HexToAddress(a)] = 2
		}
	}
	decider, ledger := newDecider(t, pts, ch, 4)
	e := newEngine(t, pts, ch, decider, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []string) {
			defer wg.Done()
			_, err := e.ComputeEligibility(ctx, batch)
			assert.NoError(t, err)
		}(batch)
	}
	wg.Wait()

	events, err := ledger.Recent(ctx, time.Hour)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestNewEngineValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := NewEngine(nil, &fakePoints{}, &fakeChain{}, nil, logger, Options{})
	require.Error(t, err)

	dup := append(programs(), programs()[0])
	_, err = NewEngine(dup, &fakePoints{}, &fakeChain{}, nil, logger, Options{})
	require.Error(t, err)

	bad := programs()
	bad[1].TotalFlowRate = big.NewInt(0)
	_, err = NewEngine(bad, &fakePoints{}, &fakeChain{}, nil, logger, Options{})
	require.Error(t, err)

	decider, _ := newDecider(t, &fakePoints{}, &fakeChain{}, 1)
	_, err = NewEngine(programs()[1:], &fakePoints{}, &fakeChain{}, decider, logger, Options{})
	require.Error(t, err)
}

func TestNewEngineCopiesProgramConfig(t *testing.T) {
	ps := programs()
	pts := &fakePoints{allocs: map[string]map[string]uint64{"community": {addr(0): 50}}}
	ch := &fakeChain{totals: map[common.Address]*big.Int{communityPool: big.NewInt(1000)}}
	e, err := NewEngine(ps, pts, ch, nil, zaptest.NewLogger(t), Options{})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	ps[0].TotalFlowRate.SetInt64(1)
	got, err := e.ComputeEligibility(context.Background(), []string{addr(0)})
	require.NoError(t, err)
	assert.Equal(t, "47619047000000000", got[0].Eligibility[0].EstimatedFlowRate)
}
