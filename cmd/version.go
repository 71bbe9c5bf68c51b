package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/semlayer/semlayer/internal/build"
)

// NewVersionCommand returns the command to get the semlayer version.
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the semlayer version",
		Long:  "Return the semlayer version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

func version(_ *cobra.Command, _ []string) error {
	log.Printf("semlayer version %s date %s commit id %s", build.Version, build.Date, build.Commit)
	return nil
}
