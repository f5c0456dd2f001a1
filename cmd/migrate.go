package cmd

import (
	"github.com/spf13/cobra"

	"github.com/iddsops/idds/internal/config"
	"github.com/iddsops/idds/internal/database"
	"github.com/iddsops/idds/internal/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger := log.Setup(cfg.Log.Level, cfg.Log.Format)

		db, err := database.OpenAndMigrate(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		logger.Info().Str("database", cfg.Database.Path).Msg("schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
