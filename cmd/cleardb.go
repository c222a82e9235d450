package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/metrics-hub/internal/backend"
)

var clearDBCmd = &cobra.Command{
	Use:   "clear-db",
	Short: "Delete all stored aggregators, devices, snapshots and metrics",
	Long: `Delete every row from the metrics hub tables, children first.
The schema is kept. Requires --yes.`,
	PreRunE: bindDBFlags,
	RunE:    runClearDB,
}

func init() {
	rootCmd.AddCommand(clearDBCmd)

	addDBFlags(clearDBCmd)
	clearDBCmd.Flags().Bool("yes", false, "confirm deletion of all data")
	clearDBCmd.Flags().Duration("timeout", time.Minute, "maximum duration of the clear")
}

func runClearDB(cmd *cobra.Command, _ []string) error {
	logger := GetLogger("clear-db")

	confirmed, _ := cmd.Flags().GetBool("yes")
	if !confirmed {
		return errors.New("refusing to clear the database without --yes")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	db, err := backend.NewDB(&backend.DBConfig{
		Logger:   logger,
		Host:     viper.GetString("backend.db.host"),
		Port:     viper.GetInt("backend.db.port"),
		User:     viper.GetString("backend.db.user"),
		Password: viper.GetString("backend.db.password"),
		DBName:   viper.GetString("backend.db.name"),
		SSLMode:  viper.GetString("backend.db.sslmode"),
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return err
	}
	defer func() {
		if err := backend.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := backend.ClearAll(ctx, db, logger); err != nil {
		logger.Error("failed to clear database", "error", err)
		return fmt.Errorf("clear-db: %w", err)
	}

	logger.Info("database cleared")
	return nil
}
