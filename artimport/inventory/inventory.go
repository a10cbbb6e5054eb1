// Inventory supports only SQLite3
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmwalaszek/artimport/artimport"
	"go.uber.org/zap"
)

// Inventory is the import store plus the read and maintenance queries
// used by the CLI.
type Inventory interface {
	artimport.Store

	FindCampaigns(ctx context.Context) ([]*artimport.Campaign, error)
	FindCampaign(ctx context.Context, name string) (*artimport.Campaign, error)
	FindTests(ctx context.Context, campaignID int64) ([]*artimport.Test, error)
	ResultsForTest(ctx context.Context, testID int64) ([]artimport.ResultRow, error)
	LogsForTest(ctx context.Context, testID int64) ([]artimport.LogRow, error)
	FailuresForTest(ctx context.Context, testID int64) ([]string, error)
	DeleteCampaign(ctx context.Context, name string) error
	Close() error
}

type Option func(*DB)

func WithLogger(logger *zap.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

func NewInventory(dbType string, connString string, opts ...Option) (Inventory, error) {
	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		s, err := NewSQLite(connString, opts...)
		if err != nil {
			return nil, err
		}

		return s, nil
	}

	return nil, fmt.Errorf("Unsupported inventory type %q", dbType)
}
