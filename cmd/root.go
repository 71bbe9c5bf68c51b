// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with SEMLAYER, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("SEMLAYER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/semlayer", "$HOME/.semlayer", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "semlayer",
		Short: "A multi-tenant semantic query layer that compiles cube queries into tenant-scoped SQL",
		Long: `A multi-tenant semantic query layer that compiles cube queries into tenant-scoped SQL.

Semlayer sits between applications and their analytical databases: clients send
queries in terms of cubes, measures and dimensions, and the layer compiles them
into SQL where every table access carries the caller's tenant predicate.`,
	}
}
