// Package mysql registers the MySQL engine with the storage router.
package mysql

import (
	_ "github.com/go-sql-driver/mysql" // MySQL driver.

	"github.com/semlayer/semlayer/pkg/storage"
	"github.com/semlayer/semlayer/pkg/storage/sqlcommon"
)

func init() {
	storage.Register(storage.KindMySQL, func(cfg *storage.Config) (storage.Driver, error) {
		return sqlcommon.Open("mysql", cfg)
	})
}
