package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soaringjerry/Hubben/internal/config"
	"github.com/soaringjerry/Hubben/internal/db"
	"github.com/soaringjerry/Hubben/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the PII and response databases",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.Driver == config.DriverMemory {
			return errors.New("migrate needs a sqlite3 or postgres driver")
		}
		stores, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer stores.Close()
		logger.Info("migrations_applied", zap.String("driver", cfg.Database.Driver))
		fmt.Println("migrations applied")
		return nil
	},
}

// appStores holds the two stores and the connections behind them. The PII
// and response databases are opened from separate DSNs and never share a handle.
type appStores struct {
	PII       store.PII
	Responses store.Responses
	conns     []*sql.DB
}

func (s *appStores) Close() {
	for _, c := range s.conns {
		if err := c.Close(); err != nil {
			logger.Warn("db_close", zap.Error(err))
		}
	}
}

// openStores returns memory stores for the memory driver. For SQL drivers it
// opens both databases and runs their migrations before building the stores.
func openStores(cfg *config.Config, log *zap.Logger) (*appStores, error) {
	if cfg.Database.Driver == config.DriverMemory {
		return &appStores{PII: store.NewMemoryPII(), Responses: store.NewMemoryResponses()}, nil
	}
	dialect, err := db.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	out := &appStores{}
	piiConn, err := openSchema(dialect, db.SchemaPII, cfg.Database.PIIDSN, cfg.Database.MigrationsDir)
	if err != nil {
		return nil, err
	}
	out.conns = append(out.conns, piiConn)
	respConn, err := openSchema(dialect, db.SchemaResponses, cfg.Database.ResponsesDSN, cfg.Database.MigrationsDir)
	if err != nil {
		out.Close()
		return nil, err
	}
	out.conns = append(out.conns, respConn)

	if out.PII, err = db.NewPIIStore(piiConn, dialect, log.Named("pii")); err != nil {
		out.Close()
		return nil, err
	}
	if out.Responses, err = db.NewResponseStore(respConn, dialect, log.Named("responses")); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

func openSchema(dialect db.Dialect, schema db.Schema, dsn, migrationsDir string) (*sql.DB, error) {
	conn, err := db.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", schema, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s database: %w", schema, err)
	}
	if err := db.RunMigrations(conn, dialect, schema, migrationsDir); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate %s database: %w", schema, err)
	}
	return conn, nil
}
