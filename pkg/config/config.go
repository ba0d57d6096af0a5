// Package config loads engine settings from the environment and the program
// list from a YAML file.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/flowpoints/eligibility/pkg/eligibility"
	"github.com/flowpoints/eligibility/pkg/grants"
	"github.com/flowpoints/eligibility/pkg/utils"
)

const (
	LedgerRedis = "redis"
	LedgerSQL   = "sql"
)

type Config struct {
	Addr string

	ChainRPCURL   string
	ChainRPS      int
	LockerFactory common.Address

	PointsURLs      []string
	PointsAPIKey    string
	PointsBatchSize int
	PointsRPS       int

	Grant         grants.Policy
	GrantsEnabled bool

	LedgerBackend string
	LedgerDSN     string

	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxBatchSize  int
	Workers       int
	WindowRefresh string

	Programs []eligibility.Program
}

// Load reads the environment and the programs file named by PROGRAMS_FILE.
func Load() (Config, error) {
	cfg := Config{
		Addr: utils.Env("ADDR", ":3000"),

		ChainRPCURL: utils.Env("CHAIN_RPC_URL", ""),
		ChainRPS:    utils.EnvInt("CHAIN_RPS", 50),

		PointsURLs:      utils.SplitCSV(utils.Env("POINTS_API_URL", "")),
		PointsAPIKey:    utils.Env("POINTS_API_KEY", ""),
		PointsBatchSize: utils.EnvInt("POINTS_BATCH_SIZE", 100),
		PointsRPS:       utils.EnvInt("POINTS_RPS", 20),

		GrantsEnabled: utils.EnvBool("GRANT_ENABLED", true),
		Grant: grants.Policy{
			ProgramID:       utils.Env("GRANT_PROGRAM_ID", ""),
			Threshold:       utils.EnvUint64("GRANT_THRESHOLD", 99),
			Amount:          utils.EnvUint64("GRANT_AMOUNT", 100),
			MinTransactions: utils.EnvUint64("GRANT_MIN_TX_COUNT", 1),
			Window:          utils.EnvDuration("GRANT_WINDOW", time.Hour),
			MaxPerWindow:    int(utils.EnvInt64("GRANT_MAX_PER_WINDOW", 100)),
		},

		LedgerBackend: strings.ToLower(utils.Env("GRANT_LEDGER_BACKEND", LedgerRedis)),
		LedgerDSN:     utils.Env("GRANT_LEDGER_DSN", "grants.db"),

		ReadTimeout:   utils.EnvDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:  utils.EnvDuration("WRITE_TIMEOUT", 10*time.Second),
		MaxBatchSize:  utils.EnvInt("MAX_BATCH_SIZE", eligibility.DefaultMaxBatchSize),
		Workers:       utils.EnvInt("WORKERS", 16),
		WindowRefresh: utils.Env("GRANT_WINDOW_REFRESH", "@every 30s"),
	}

	if raw := utils.Env("LOCKER_FACTORY_ADDRESS", ""); raw != "" {
		if !common.IsHexAddress(raw) {
			return cfg, fmt.Errorf("LOCKER_FACTORY_ADDRESS %q is not an address", raw)
		}
		cfg.LockerFactory = common.HexToAddress(raw)
	}

	path := utils.Env("PROGRAMS_FILE", "programs.yaml")
	programs, err := LoadPrograms(path)
	if err != nil {
		return cfg, err
	}
	cfg.Programs = programs

	if cfg.Grant.ProgramID == "" {
		for _, p := range programs {
			if p.Primary {
				cfg.Grant.ProgramID = p.ID
			}
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks settings that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if c.ChainRPCURL == "" {
		errs = append(errs, errors.New("CHAIN_RPC_URL is required"))
	}
	if c.LockerFactory == (common.Address{}) {
		errs = append(errs, errors.New("LOCKER_FACTORY_ADDRESS is required"))
	}
	if len(c.PointsURLs) == 0 {
		errs = append(errs, errors.New("POINTS_API_URL is required"))
	}
	switch c.LedgerBackend {
	case LedgerRedis, LedgerSQL:
	default:
		errs = append(errs, fmt.Errorf("GRANT_LEDGER_BACKEND must be %q or %q, got %q", LedgerRedis, LedgerSQL, c.LedgerBackend))
	}
	if c.GrantsEnabled {
		if err := c.Grant.Validate(); err != nil {
			errs = append(errs, err)
		}
		found := false
		for _, p := range c.Programs {
			found = found || p.ID == c.Grant.ProgramID
		}
		if !found {
			errs = append(errs, fmt.Errorf("GRANT_PROGRAM_ID %q is not a configured program", c.Grant.ProgramID))
		}
	}
	if len(c.Programs) == 0 {
		errs = append(errs, errors.New("no programs configured"))
	}
	return errors.Join(errs...)
}

type programFile struct {
	Programs []programEntry `yaml:"programs"`
}

type programEntry struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	PoolAddress   string `yaml:"pool_address"`
	TotalFlowRate string `yaml:"total_flow_rate"`
	Primary       bool   `yaml:"primary"`
}

// LoadPrograms reads and validates a programs file.
func LoadPrograms(path string) ([]eligibility.Program, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read programs file: %w", err)
	}
	return ParsePrograms(raw)
}

// ParsePrograms decodes the YAML program list. Flow rates are decimal wei
// per second and are kept as strings in YAML so large values stay exact.
func ParsePrograms(raw []byte) ([]eligibility.Program, error) {
	var file programFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode programs: %w", err)
	}
	if len(file.Programs) == 0 {
		return nil, errors.New("programs file lists no programs")
	}

	out := make([]eligibility.Program, 0, len(file.Programs))
	seen := make(map[string]struct{}, len(file.Programs))
	primaries := 0
	for i, entry := range file.Programs {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("program %d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("program %s: duplicate id", id)
		}
		seen[id] = struct{}{}

		if !common.IsHexAddress(entry.PoolAddress) {
			return nil, fmt.Errorf("program %s: pool_address %q is not an address", id, entry.PoolAddress)
		}
		rate, ok := new(big.Int).SetString(strings.TrimSpace(entry.TotalFlowRate), 10)
		if !ok || rate.Sign() <= 0 {
			return nil, fmt.Errorf("program %s: total_flow_rate %q must be a positive integer", id, entry.TotalFlowRate)
		}
		if entry.Primary {
			primaries++
		}

		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = id
		}
		out = append(out, eligibility.Program{
			ID:            id,
			Name:          name,
			PoolAddress:   common.HexToAddress(entry.PoolAddress),
			TotalFlowRate: rate,
			Primary:       entry.Primary,
		})
	}
	if primaries != 1 {
		return nil, fmt.Errorf("exactly one primary program is required, found %d", primaries)
	}
	return out, nil
}
