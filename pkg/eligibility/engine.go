// Package eligibility assembles per-address flow-rate eligibility across all
// configured programs from the point ledger, chain state and the grant decider.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/flowpoints/eligibility/pkg/chain"
	"github.com/flowpoints/eligibility/pkg/flowrate"
	"github.com/flowpoints/eligibility/pkg/grants"
	"github.com/flowpoints/eligibility/pkg/metrics"
	"github.com/flowpoints/eligibility/pkg/points"
)

const (
	DefaultMaxBatchSize = 500
	defaultWorkers      = 16
)

// ChainReader is the chain state the engine needs. *chain.Reader satisfies it.
type ChainReader interface {
	ResolveLockers(ctx context.Context, users []common.Address) map[common.Address]common.Address
	ClaimedUnitsBatch(ctx context.Context, lockers map[common.Address]common.Address, pool common.Address) map[common.Address]chain.ClaimStatus
	TotalUnits(ctx context.Context, pool common.Address) (*big.Int, error)
}

type Options struct {
	MaxBatchSize int
	Workers      int
}

type Engine struct {
	programs     []Program
	grantProgram int
	points       points.Client
	chain        ChainReader
	decider      *grants.Decider
	logger       *zap.Logger
	metrics      *metrics.EligibilityMetrics
	pool         pond.Pool
	maxBatchSize int
}

// NewEngine validates programs and builds an engine. decider may be nil to
// disable bootstrap grants; otherwise its program must be one of programs.
func NewEngine(programs []Program, pointsClient points.Client, reader ChainReader, decider *grants.Decider, logger *zap.Logger, o Options) (*Engine, error) {
	if len(programs) == 0 {
		return nil, errors.New("at least one program is required")
	}
	if pointsClient == nil || reader == nil {
		return nil, errors.New("points client and chain reader are required")
	}

	owned := make([]Program, len(programs))
	seen := make(map[string]struct{}, len(programs))
	for i, p := range programs {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("program %d: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("program %s: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.TotalFlowRate == nil || p.TotalFlowRate.Sign() <= 0 {
			return nil, fmt.Errorf("program %s: total flow rate must be positive", p.ID)
		}
		p.TotalFlowRate = new(big.Int).Set(p.TotalFlowRate)
		owned[i] = p
	}

	grantProgram := -1
	if decider != nil {
		id := decider.Policy().ProgramID
		for i, p := range owned {
			if p.ID == id {
				grantProgram = i
			}
		}
		if grantProgram < 0 {
			return nil, fmt.Errorf("grant program %s is not configured", id)
		}
	}

	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}

	return &Engine{
		programs:     owned,
		grantProgram: grantProgram,
		points:       pointsClient,
		chain:        reader,
		decider:      decider,
		logger:       logger.Named("eligibility"),
		metrics:      metrics.Eligibility(),
		pool:         pond.NewPool(o.Workers),
		maxBatchSize: o.MaxBatchSize,
	}, nil
}

// Close releases the engine's worker pool.
func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// snapshot is everything read from upstreams for one computation. It is
// private to the call; nothing in it is shared with concurrent calls.
type snapshot struct {
	allocations map[string]map[string]uint64 // program id -> address -> points
	unread      map[string]bool              // programs whose allocation fetch failed
	totalUnits  map[string]*big.Int
	claims      map[string]map[common.Address]chain.ClaimStatus
	decisions   map[string]grants.Decision
}

// ComputeEligibility returns one entry per requested address, in request
// order. Only malformed input fails the call; upstream failures degrade the
// affected values to zero.
func (e *Engine) ComputeEligibility(ctx context.Context, addresses []string) ([]AddressEligibility, error) {
	start := time.Now()
	normalized, unique, err := e.normalize(addresses)
	if err != nil {
		e.metrics.ObserveRequest("invalid", 0, time.Since(start))
		return nil, err
	}

	runID := uuid.NewString()
	logger := e.logger.With(zap.String("runId", runID))
	logger.Debug("computing eligibility", zap.Int("addresses", len(unique)), zap.Int("programs", len(e.programs)))

	hexes := make([]common.Address, len(unique))
	for i, a := range unique {
		hexes[i] = common.HexToAddress(a)
	}

	snap := e.fetch(ctx, logger, unique, hexes)
	snap.decisions = e.decideGrants(ctx, runID, unique, snap)

	computed := make([]AddressEligibility, len(unique))
	group := e.pool.NewGroupContext(ctx)
	for i := range unique {
		i := i
		group.Submit(func() {
			computed[i] = e.computeAddress(unique[i], hexes[i], snap)
		})
	}
	if err := e.wait(logger, group, "compute"); err != nil {
		e.metrics.ObserveRequest("cancelled", len(unique), time.Since(start))
		return nil, err
	}

	byAddress := make(map[string]int, len(unique))
	for i, a := range unique {
		byAddress[a] = i
	}
	results := make([]AddressEligibility, len(normalized))
	for i, a := range normalized {
		results[i] = computed[byAddress[a]].clone()
	}

	e.metrics.ObserveRequest("ok", len(unique), time.Since(start))
	logger.Debug("eligibility computed",
		zap.Int("addresses", len(unique)),
		zap.Int64("durationMs", time.Since(start).Milliseconds()))
	return results, nil
}

func (e *Engine) normalize(addresses []string) ([]string, []string, error) {
	if len(addresses) == 0 {
		return nil, nil, &InputError{Err: ErrEmptyBatch}
	}
	if len(addresses) > e.maxBatchSize {
		return nil, nil, &InputError{Err: ErrBatchTooLarge, Detail: fmt.Sprintf("%d requested, limit %d", len(addresses), e.maxBatchSize)}
	}
	normalized := make([]string, len(addresses))
	unique := make([]string, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for i, raw := range addresses {
		a := strings.TrimSpace(raw)
		if !has0xPrefix(a) || !common.IsHexAddress(a) {
			return nil, nil, &InputError{Err: ErrInvalidAddress, Detail: fmt.Sprintf("%q at position %d", raw, i)}
		}
		a = "0x" + strings.ToLower(a[2:])
		normalized[i] = a
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			unique = append(unique, a)
		}
	}
	return normalized, unique, nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// fetch reads allocations, pool totals and lockers in parallel, then claimed
// units per program for the addresses that have a locker.
func (e *Engine) fetch(ctx context.Context, logger *zap.Logger, unique []string, hexes []common.Address) snapshot {
	allocations := xsync.NewMap[string, map[string]uint64]()
	unread := xsync.NewMap[string, bool]()
	totals := xsync.NewMap[string, *big.Int]()
	var lockers map[common.Address]common.Address

	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, p := range e.programs {
		p := p
		group.Submit(func() {
			byAddress := make(map[string]uint64)
			allocs, err := e.points.BatchFetchAllocations(groupCtx, p.ID, unique)
			if err != nil {
				e.metrics.ObserveUpstreamFailure("points", "allocations")
				logger.Warn("allocation fetch failed, program treated as empty",
					zap.String("programId", p.ID), zap.Error(err))
				unread.Store(p.ID, true)
			}
			for _, a := range allocs {
				byAddress[a.Address] += a.Points
			}
			allocations.Store(p.ID, byAddress)
		})
		group.Submit(func() {
			total, err := e.chain.TotalUnits(groupCtx, p.PoolAddress)
			if err != nil {
				e.metrics.ObserveUpstreamFailure("chain", "totalUnits")
				logger.Warn("total units read failed, flow rate reported as zero",
					zap.String("programId", p.ID), zap.Error(err))
				total = new(big.Int)
			}
			totals.Store(p.ID, total)
		})
	}
	group.Submit(func() {
		lockers = e.chain.ResolveLockers(groupCtx, hexes)
	})
	_ = e.wait(logger, group, "fetch")

	claims := xsync.NewMap[string, map[common.Address]chain.ClaimStatus]()
	if len(lockers) > 0 {
		group = e.pool.NewGroupContext(ctx)
		groupCtx = group.Context()
		for _, p := range e.programs {
			p := p
			group.Submit(func() {
				claims.Store(p.ID, e.chain.ClaimedUnitsBatch(groupCtx, lockers, p.PoolAddress))
			})
		}
		_ = e.wait(logger, group, "claims")
	}

	return snapshot{
		allocations: xsync.ToPlainMap(allocations),
		unread:      xsync.ToPlainMap(unread),
		totalUnits:  xsync.ToPlainMap(totals),
		claims:      xsync.ToPlainMap(claims),
	}
}

func (e *Engine) decideGrants(ctx context.Context, runID string, unique []string, snap snapshot) map[string]grants.Decision {
	if e.decider == nil {
		return nil
	}
	programID := e.programs[e.grantProgram].ID
	if snap.unread[programID] {
		// Zero would read as below threshold for everyone.
		e.logger.Warn("grant program allocations unavailable, skipping grants",
			zap.String("runId", runID), zap.String("programId", programID))
		decisions := make(map[string]grants.Decision, len(unique))
		for _, a := range unique {
			decisions[a] = grants.Decision{Outcome: grants.OutcomeAllocationsUnavailable}
			e.metrics.ObserveGrantDecision(string(grants.OutcomeAllocationsUnavailable))
		}
		return decisions
	}
	current := snap.allocations[programID]
	batch := e.decider.NewBatch(ctx, runID)

	decisions := xsync.NewMap[string, grants.Decision]()
	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, a := range unique {
		a := a
		group.Submit(func() {
			decisions.Store(a, batch.Decide(groupCtx, a, current[a]))
		})
	}
	_ = e.wait(e.logger.With(zap.String("runId", runID)), group, "grants")
	return xsync.ToPlainMap(decisions)
}

func (e *Engine) computeAddress(address string, hex common.Address, snap snapshot) AddressEligibility {
	out := AddressEligibility{
		Address:     address,
		Eligibility: make([]ProgramEligibility, 0, len(e.programs)),
	}
	decision, decided := snap.decisions[address]

	rates := make([]*big.Int, 0, len(e.programs))
	for i, p := range e.programs {
		pts := snap.allocations[p.ID][address]
		if decided && i == e.grantProgram && decision.Outcome.TopsUp() {
			pts += decision.Amount
		}

		claimed := new(big.Int)
		if status, ok := snap.claims[p.ID][hex]; ok && status.ClaimedUnits != nil {
			claimed.Set(status.ClaimedUnits)
		}
		total := snap.totalUnits[p.ID]
		if total == nil {
			total = new(big.Int)
		}

		pointsInt := new(big.Int).SetUint64(pts)
		pending := flowrate.PendingClaim(pointsInt, claimed)
		rate := flowrate.Compute(pointsInt, claimed, total, pending, p.TotalFlowRate)
		unclaimed := flowrate.Unclaimed(pointsInt, claimed, total, p.TotalFlowRate)
		needToClaim := flowrate.NeedToClaim(pointsInt, claimed)

		out.Eligibility = append(out.Eligibility, ProgramEligibility{
			ProgramID:         p.ID,
			ProgramName:       p.Name,
			Points:            pts,
			ClaimedAmount:     claimed.String(),
			NeedToClaim:       needToClaim,
			EstimatedFlowRate: rate.String(),
			UnclaimedFlowRate: unclaimed.String(),
		})
		rates = append(rates, rate)
		if pts > 0 {
			out.HasAllocations = true
		}
		if needToClaim {
			out.ClaimNeeded = true
		}
	}
	out.TotalFlowRate = flowrate.Sum(rates...).String()

	if decided {
		out.AutoGrant = &GrantSummary{
			Outcome:   string(decision.Outcome),
			ProgramID: e.programs[e.grantProgram].ID,
			Points:    decision.Amount,
		}
	}
	return out
}

func (e *Engine) wait(logger *zap.Logger, group pond.TaskGroup, phase string) error {
	err := group.Wait()
	if err == nil || errors.Is(err, pond.ErrGroupStopped) {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Debug("eligibility phase interrupted", zap.String("phase", phase), zap.Error(err))
		return err
	}
	logger.Warn("eligibility phase encountered error", zap.String("phase", phase), zap.Error(err))
	return nil
}
