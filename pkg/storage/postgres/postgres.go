// Package postgres registers the PostgreSQL engine with the storage router.
package postgres

import (
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/semlayer/semlayer/pkg/storage"
	"github.com/semlayer/semlayer/pkg/storage/sqlcommon"
)

func init() {
	storage.Register(storage.KindPostgres, func(cfg *storage.Config) (storage.Driver, error) {
		return sqlcommon.Open("pgx", cfg)
	})
}
