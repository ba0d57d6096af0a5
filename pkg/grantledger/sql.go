package grantledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// advisoryLockID serializes reservations across Postgres sessions. The row
// count in the window cannot be protected by a unique index alone.
const advisoryLockID int64 = 0x6772616e74 // "grant"

type grantRow struct {
	GrantKey  string    `gorm:"column:grant_key;primaryKey;size:66"`
	Address   string    `gorm:"size:42;index;not null"`
	ProgramID string    `gorm:"column:program_id;size:128;not null"`
	Points    uint64    `gorm:"not null"`
	GrantedAt time.Time `gorm:"column:granted_at;index;not null"`
}

func (grantRow) TableName() string { return "grant_events" }

func (r grantRow) event() GrantEvent {
	return GrantEvent{
		Key:       r.GrantKey,
		Address:   r.Address,
		ProgramID: r.ProgramID,
		Points:    r.Points,
		GrantedAt: r.GrantedAt.UTC(),
	}
}

// SQLLedger stores events in a single append-only table. Postgres DSNs
// (postgres://, postgresql:// or key=value with host=) share the ledger
// between replicas; anything else is opened as a SQLite file for a single
// instance.
type SQLLedger struct {
	db       *gorm.DB
	postgres bool
	logger   *zap.Logger
	now      func() time.Time
}

var _ Ledger = (*SQLLedger)(nil)

// OpenSQL connects, migrates the grant table and returns the ledger.
func OpenSQL(ctx context.Context, dsn string, logger *zap.Logger) (*SQLLedger, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("grant ledger dsn is required")
	}
	isPostgres := isPostgresDSN(trimmed)

	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(sqliteDSN(trimmed))
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open grant ledger: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve grant ledger sql handle: %w", err)
	}
	if !isPostgres {
		// SQLite allows one writer; a single connection turns concurrent
		// reservations into a queue instead of SQLITE_BUSY errors.
		sqlDB.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping grant ledger: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&grantRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate grant ledger: %w", err)
	}

	logger.Info("Grant ledger ready", zap.Bool("postgres", isPostgres))
	return &SQLLedger{db: db, postgres: isPostgres, logger: logger.Named("grantledger"), now: time.Now}, nil
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// sqliteDSN makes write transactions take the database lock up front so two
// processes sharing the file cannot both pass the window check.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate&_pragma=busy_timeout(5000)"
}

func (l *SQLLedger) Recent(ctx context.Context, window time.Duration) ([]GrantEvent, error) {
	var rows []grantRow
	err := l.db.WithContext(ctx).
		Where("granted_at > ?", l.now().Add(-window).UTC()).
		Order("granted_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read grant window: %w", err)
	}
	events := make([]GrantEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

func (l *SQLLedger) Append(ctx context.Context, event GrantEvent) error {
	status, err := l.run(ctx, event, 0, 0, true)
	if err != nil {
		return err
	}
	if status == Duplicate {
		return ErrDuplicate
	}
	return nil
}

func (l *SQLLedger) Reserve(ctx context.Context, event GrantEvent, window time.Duration, max int) (ReserveStatus, error) {
	return l.run(ctx, event, window, max, false)
}

func (l *SQLLedger) run(ctx context.Context, event GrantEvent, window time.Duration, max int, appendOnly bool) (ReserveStatus, error) {
	event, err := prepare(event, l.now)
	if err != nil {
		return 0, err
	}
	since := l.now().Add(-window).UTC()

	status := Reserved
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if l.postgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryLockID).Error; err != nil {
				return err
			}
		}

		var existing int64
		if err := tx.Model(&grantRow{}).Where("grant_key = ?", event.Key).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			status = Duplicate
			return nil
		}

		if !appendOnly {
			var inWindow int64
			if err := tx.Model(&grantRow{}).Where("granted_at > ?", since).Count(&inWindow).Error; err != nil {
				return err
			}
			if inWindow >= int64(max) {
				status = RateLimited
				return nil
			}
		}

		return tx.Create(&grantRow{
			GrantKey:  event.Key,
			Address:   event.Address,
			ProgramID: event.ProgramID,
			Points:    event.Points,
			GrantedAt: event.GrantedAt,
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return Duplicate, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reserve grant %s: %w", event.Key, err)
	}
	return status, nil
}

func (l *SQLLedger) Health(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (l *SQLLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
