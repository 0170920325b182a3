package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/hoshdog/threadr-migrate/internal/models"
)

var ErrRecordNotFound = errors.New("repository: record not found")

// TargetTx is the per-transaction surface of the target store. Inserts are
// conflict-safe so a partially completed batch can be re-run.
type TargetTx interface {
	// Insert writes the record unless a conflicting row already exists.
	// Returns false when the insert was skipped due to a conflict.
	Insert(ctx context.Context, rec models.TargetRecord) (bool, error)
	// Upsert writes the record, replacing a conflicting row. Used by the
	// write-routing controller for live traffic.
	Upsert(ctx context.Context, rec models.TargetRecord) error
	Delete(ctx context.Context, table, id string) error
}

// TargetStore is the capability set the migration needs from the relational
// store: transactional execute plus a handful of lookups.
type TargetStore interface {
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Transaction(ctx context.Context, fn func(tx TargetTx) error) error
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetBySourceKey(ctx context.Context, table, sourceKey string) (models.TargetRecord, error)
	CountRows(ctx context.Context, table string) (int64, error)
	// CountOrphans reports rows whose user_id references no existing user.
	CountOrphans(ctx context.Context, table string) (int64, error)
	Close() error
}

// GormStore backs TargetStore with Postgres through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(dsn string, poolSize int) (*GormStore, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: dsn}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize)

	return &GormStore{db: db}, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Migrate(ctx context.Context) error {
	protos := models.Prototypes()
	targets := make([]any, 0, len(protos))
	for _, p := range protos {
		targets = append(targets, p)
	}
	return s.db.WithContext(ctx).AutoMigrate(targets...)
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx TargetTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *GormStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	res := s.db.WithContext(ctx).Where("email = ?", email).First(&user)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return &user, nil
}

func (s *GormStore) GetBySourceKey(ctx context.Context, table, sourceKey string) (models.TargetRecord, error) {
	rec, ok := models.PrototypeFor(table)
	if !ok {
		return nil, fmt.Errorf("unknown target table %q", table)
	}
	res := s.db.WithContext(ctx).Table(table).Where("source_key = ?", sourceKey).First(rec)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return rec, nil
}

func (s *GormStore) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Table(table).Count(&n).Error
	return n, err
}

func (s *GormStore) CountOrphans(ctx context.Context, table string) (int64, error) {
	if table == "users" {
		return 0, nil
	}
	var n int64
	err := s.db.WithContext(ctx).
		Raw(fmt.Sprintf(
			"SELECT count(*) FROM %s WHERE user_id IS NOT NULL AND user_id NOT IN (SELECT id FROM users)",
			table,
		)).
		Scan(&n).Error
	return n, err
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Insert(ctx context.Context, rec models.TargetRecord) (bool, error) {
	res := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *gormTx) Upsert(ctx context.Context, rec models.TargetRecord) error {
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: conflictColumns(rec), UpdateAll: true}).
		Create(rec).Error
}

func (t *gormTx) Delete(ctx context.Context, table, id string) error {
	return t.db.WithContext(ctx).Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id).Error
}

func conflictColumns(rec models.TargetRecord) []clause.Column {
	if _, ok := rec.(*models.UsageRecord); ok {
		return []clause.Column{{Name: "source_key"}, {Name: "day_key"}}
	}
	return []clause.Column{{Name: "source_key"}}
}
