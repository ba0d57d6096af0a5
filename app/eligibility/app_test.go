package eligibility

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flowpoints/eligibility/app/eligibility/types"
	"github.com/flowpoints/eligibility/pkg/config"
	"github.com/flowpoints/eligibility/pkg/grantledger"
	"github.com/flowpoints/eligibility/pkg/grants"
	"github.com/flowpoints/eligibility/pkg/points"
	"github.com/flowpoints/eligibility/pkg/redis"
)

type noActivity struct{}

func (noActivity) TransactionCount(context.Context, common.Address) (uint64, error) { return 0, nil }

type noPoints struct{}

func (noPoints) BatchFetchAllocations(context.Context, string, []string) ([]points.Allocation, error) {
	return nil, nil
}

func (noPoints) SubmitGrant(context.Context, points.GrantRequest) (points.Ack, error) {
	return points.Ack{}, errors.New("not used")
}

func TestSetupScheduler(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	ledger := grantledger.NewRedisLedger(redis.Wrap(rdb, zaptest.NewLogger(t), "test"), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = ledger.Close() })

	decider, err := grants.NewDecider(grants.Policy{
		ProgramID: "community", Threshold: 10, Amount: 10, Window: time.Hour, MaxPerWindow: 3,
	}, ledger, noActivity{}, noPoints{}, zaptest.NewLogger(t), grants.Opts{})
	require.NoError(t, err)
	t.Cleanup(decider.Close)

	app := &types.App{Logger: zaptest.NewLogger(t)}
	require.NoError(t, SetupScheduler(context.Background(), app, decider, "@every 1s"))
	require.NotNil(t, app.Cron)
	assert.Len(t, app.Cron.Entries(), 1)

	require.Error(t, SetupScheduler(context.Background(), app, decider, "not a schedule"))
}

func TestNewServerUsesConfiguredAddr(t *testing.T) {
	app := &types.App{Config: config.Config{Addr: "127.0.0.1:0"}, Logger: zaptest.NewLogger(t)}
	require.NoError(t, NewServer(app))
	assert.Equal(t, "127.0.0.1:0", app.Server.Addr)
	assert.NotNil(t, app.Server.Handler)
}

func TestInitializeFailsOnUnreachableChainRPC(t *testing.T) {
	programs := filepath.Join(t.TempDir(), "programs.yaml")
	require.NoError(t, os.WriteFile(programs, []byte(`
programs:
  - id: community
    pool_address: "0x00000000000000000000000000000000000c0001"
    total_flow_rate: "1000000000000000000"
    primary: true
`), 0o600))
	t.Setenv("PROGRAMS_FILE", programs)
	t.Setenv("CHAIN_RPC_URL", "ftp://localhost:8545")
	t.Setenv("LOCKER_FACTORY_ADDRESS", "0x00000000000000000000000000000000000f0001")
	t.Setenv("POINTS_API_URL", "http://localhost:1")

	app, err := Initialize(context.Background())
	require.ErrorContains(t, err, "dial chain rpc")
	assert.Nil(t, app)
}
