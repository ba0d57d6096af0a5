// Package chain reads participant and pool state from an EVM JSON-RPC
// endpoint. Nothing here signs or sends transactions.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flowpoints/eligibility/pkg/metrics"
	"github.com/flowpoints/eligibility/pkg/retry"
)

// EVMClient is the subset of the Ethereum RPC used by the reader. *ethclient.Client satisfies it.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// ClaimStatus is the on-chain pool membership of a participant's locker.
type ClaimStatus struct {
	Locker       common.Address
	ClaimedUnits *big.Int
}

// Opts configures a Reader.
type Opts struct {
	LockerFactory common.Address
	// Timeout bounds every individual RPC call.
	Timeout time.Duration
	RPS     int
	Burst   int
	Workers int
	Retry   retry.Config
}

// Reader batches chain reads with per-item fault isolation: a failing read is
// logged and treated as zero/absent, never as a batch failure.
type Reader struct {
	client        EVMClient
	lockerFactory common.Address
	logger        *zap.Logger
	limiter       *rate.Limiter
	pool          pond.Pool
	timeout       time.Duration
	retry         retry.Config
	metrics       *metrics.EligibilityMetrics
}

// Dial opens an RPC connection for the given endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// NewReader builds a Reader. The reader owns its worker pool; call Close when done.
func NewReader(client EVMClient, logger *zap.Logger, o Opts) *Reader {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.RPS <= 0 {
		o.RPS = 50
	}
	if o.Burst <= 0 {
		o.Burst = o.RPS * 2
	}
	if o.Workers <= 0 {
		o.Workers = 32
	}
	if o.Retry.MaxRetries <= 0 {
		o.Retry = retry.ReadConfig()
	}
	return &Reader{
		client:        client,
		lockerFactory: o.LockerFactory,
		logger:        logger.Named("chain"),
		limiter:       rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		pool:          pond.NewPool(o.Workers, pond.WithQueueSize(o.Workers*64)),
		timeout:       o.Timeout,
		retry:         o.Retry,
		metrics:       metrics.Eligibility(),
	}
}

// Close waits for in-flight reads and releases the worker pool.
func (r *Reader) Close() {
	r.pool.StopAndWait()
}

func (r *Reader) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// LockerOf returns the participant's locker and whether one has been created.
func (r *Reader) LockerOf(ctx context.Context, user common.Address) (common.Address, bool, error) {
	data, err := LockerFactoryABI.Pack(methodGetLockerAddress, user)
	if err != nil {
		return common.Address{}, false, err
	}
	out, err := r.call(ctx, r.lockerFactory, data)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("getLockerAddress(%s): %w", user.Hex(), err)
	}
	values, err := LockerFactoryABI.Unpack(methodGetLockerAddress, out)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("decode getLockerAddress(%s): %w", user.Hex(), err)
	}
	if len(values) != 2 {
		return common.Address{}, false, fmt.Errorf("decode getLockerAddress(%s): %d values", user.Hex(), len(values))
	}
	created, _ := values[0].(bool)
	locker, _ := values[1].(common.Address)
	if !created || locker == (common.Address{}) {
		return common.Address{}, false, nil
	}
	return locker, true, nil
}

// ResolveLockers maps each user to its locker. Users without a locker, or whose
// lookup failed, are absent from the result.
func (r *Reader) ResolveLockers(ctx context.Context, users []common.Address) map[common.Address]common.Address {
	found := xsync.NewMap[common.Address, common.Address]()

	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, user := range users {
		user := user
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			locker, ok, err := r.LockerOf(groupCtx, user)
			if err != nil {
				r.degraded("resolveLocker", err, zap.String("address", user.Hex()))
				return
			}
			if ok {
				found.Store(user, locker)
			}
		})
	}
	r.wait(group, "resolveLockers")

	return xsync.ToPlainMap(found)
}

// ClaimedUnits reads the pool units held by locker.
func (r *Reader) ClaimedUnits(ctx context.Context, locker, pool common.Address) (*big.Int, error) {
	data, err := PoolABI.Pack(methodGetUnits, locker)
	if err != nil {
		return nil, err
	}
	out, err := r.call(ctx, pool, data)
	if err != nil {
		return nil, fmt.Errorf("getUnits(%s) on %s: %w", locker.Hex(), pool.Hex(), err)
	}
	return unpackUint(methodGetUnits, out)
}

// ClaimedUnitsBatch reads claimed units for every user that has a locker.
// Users whose read failed are reported with zero units.
func (r *Reader) ClaimedUnitsBatch(ctx context.Context, lockers map[common.Address]common.Address, pool common.Address) map[common.Address]ClaimStatus {
	statuses := xsync.NewMap[common.Address, ClaimStatus]()

	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for user, locker := range lockers {
		user, locker := user, locker
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			units, err := r.ClaimedUnits(groupCtx, locker, pool)
			if err != nil {
				r.degraded("claimedUnits", err,
					zap.String("address", user.Hex()),
					zap.String("pool", pool.Hex()))
				units = new(big.Int)
			}
			statuses.Store(user, ClaimStatus{Locker: locker, ClaimedUnits: units})
		})
	}
	r.wait(group, "claimedUnitsBatch")

	return xsync.ToPlainMap(statuses)
}

// TotalUnits reads the pool's total subscribed units, retrying transient failures.
func (r *Reader) TotalUnits(ctx context.Context, pool common.Address) (*big.Int, error) {
	data, err := PoolABI.Pack(methodGetTotalUnits)
	if err != nil {
		return nil, err
	}
	var total *big.Int
	err = retry.WithBackoff(ctx, r.retry, r.logger, "getTotalUnits", func() error {
		out, callErr := r.call(ctx, pool, data)
		if callErr != nil {
			return callErr
		}
		v, decodeErr := unpackUint(methodGetTotalUnits, out)
		if decodeErr != nil {
			// A malformed answer will not improve on retry.
			return retry.Permanent(decodeErr)
		}
		total = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getTotalUnits on %s: %w", pool.Hex(), err)
	}
	return total, nil
}

// TransactionCount returns the account nonce at the latest block.
func (r *Reader) TransactionCount(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	n, err := r.client.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, fmt.Errorf("transaction count for %s: %w", account.Hex(), err)
	}
	return n, nil
}

func (r *Reader) degraded(op string, err error, fields ...zap.Field) {
	r.metrics.ObserveUpstreamFailure("chain", op)
	r.logger.Warn("chain read failed, defaulting to zero",
		append(fields, zap.String("operation", op), zap.Error(err))...)
}

func (r *Reader) wait(group pond.TaskGroup, op string) {
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("parallel chain read encountered error", zap.String("operation", op), zap.Error(err))
	}
}

func unpackUint(method string, out []byte) (*big.Int, error) {
	values, err := PoolABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("decode %s: %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("decode %s: unexpected %T", method, values[0])
	}
	return new(big.Int).Set(v), nil
}
