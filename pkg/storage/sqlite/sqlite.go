// Package sqlite registers the SQLite engine with the storage router. It is
// primarily used for development data sources and tests.
package sqlite

import (
	_ "modernc.org/sqlite" // SQLite driver.

	"github.com/semlayer/semlayer/pkg/storage"
	"github.com/semlayer/semlayer/pkg/storage/sqlcommon"
)

func init() {
	storage.Register(storage.KindSQLite, func(cfg *storage.Config) (storage.Driver, error) {
		return sqlcommon.Open("sqlite", cfg)
	})
}
