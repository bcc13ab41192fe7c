package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"

	"github.com/odyssey-erp/billpay/internal/invoice"
	"github.com/odyssey-erp/billpay/internal/invoice/dynamo"
	"github.com/odyssey-erp/billpay/internal/invoice/memory"
	"github.com/odyssey-erp/billpay/internal/invoice/postgres"
	"github.com/odyssey-erp/billpay/internal/platform/db"
)

// OpenRepository connects the record store selected by STORE_DRIVER. The
// returned close func releases its connections.
func OpenRepository(ctx context.Context, cfg *Config, logger *slog.Logger) (invoice.Repository, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.StoreDriver {
	case StorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, ApplicationName: "billpay"})
		if err != nil {
			return nil, nil, err
		}
		repo := postgres.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("record store ready", slog.String("driver", StorePostgres))
		return repo, pool.Close, nil
	case StoreDynamoDB:
		awsCfg := aws.NewConfig().WithRegion(cfg.AWSRegion)
		if cfg.DynamoEndpoint != "" {
			awsCfg = awsCfg.WithEndpoint(cfg.DynamoEndpoint)
		}
		sess, err := session.NewSession(awsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("app: aws session: %w", err)
		}
		repo := dynamo.NewRepository(dynamodb.New(sess), cfg.DynamoTable)
		if cfg.DynamoCreateTable {
			if err := repo.EnsureTable(ctx); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("record store ready",
			slog.String("driver", StoreDynamoDB),
			slog.String("table", cfg.DynamoTable),
		)
		return repo, func() {}, nil
	case StoreMemory:
		logger.Warn("using in-memory record store; records are lost on exit")
		return memory.NewRepository(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
}
