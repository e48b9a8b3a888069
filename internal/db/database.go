package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/contentpilot/strategy-backend/internal/logger"
	"github.com/contentpilot/strategy-backend/internal/types"
	"github.com/contentpilot/strategy-backend/internal/utils"
)

type DatabaseService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewDatabaseService opens postgres by default. DB_DRIVER=sqlite switches to a
// file-backed sqlite database for local development.
func NewDatabaseService(log *logger.Logger) (*DatabaseService, error) {
	serviceLog := log.With("service", "DatabaseService")

	driver := strings.ToLower(utils.GetEnv("DB_DRIVER", "postgres", log))

	var gormDB *gorm.DB
	var err error
	switch driver {
	case "sqlite":
		path := utils.GetEnv("SQLITE_PATH", "strategy.db", log)
		serviceLog.Info("Connecting to sqlite...", "path", path)
		gormDB, err = gorm.Open(sqlite.Open(path), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("connect to sqlite: %w", err)
		}
	default:
		host := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		port := utils.GetEnv("POSTGRES_PORT", "5432", log)
		user := utils.GetEnv("POSTGRES_USER", "postgres", log)
		password := utils.GetEnv("POSTGRES_PASSWORD", "", log)
		name := utils.GetEnv("POSTGRES_NAME", "contentpilot", log)

		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
		serviceLog.Info("Connecting to Postgres...")
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
		})
		if err != nil {
			serviceLog.Error("Failed to connect to Postgres", "error", err)
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
	}

	return &DatabaseService{db: gormDB, log: serviceLog}, nil
}

func (s *DatabaseService) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	err := s.db.AutoMigrate(
		&types.GenerationJob{},
		&types.StrategyDocument{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *DatabaseService) DB() *gorm.DB {
	return s.db
}
