package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"smartmoney/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the postgres schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()
		if strings.EqualFold(cfg.DB.Driver, "memory") {
			return fmt.Errorf("migrate needs db.driver=postgres")
		}
		conn, err := db.Open(cfg.DB, log)
		if err != nil {
			return err
		}
		defer db.Close(conn)
		if err := db.AutoMigrate(conn); err != nil {
			return err
		}
		log.Info("schema migrated", zap.String("driver", cfg.DB.Driver))
		return nil
	},
}
