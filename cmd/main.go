/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/database"
	"github.com/blnkfinance/escrow/internal/cache"
	"github.com/blnkfinance/escrow/internal/dispatch"
	"github.com/blnkfinance/escrow/internal/notification"
	"github.com/blnkfinance/escrow/internal/payout"
	redis_db "github.com/blnkfinance/escrow/internal/redis-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Escrow represents the CLI application, encapsulating the root Cobra command.
type Escrow struct {
	cmd *cobra.Command
}

// escrowInstance holds the engine and the resources it was built from so
// commands can close them on exit.
type escrowInstance struct {
	escrow *escrow.Escrow
	queue  *escrow.Queue
	redis  *redis_db.Redis
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and builds the engine before any command runs.
func preRun(app *escrowInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		if err := setupEscrow(app, cnf); err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.cnf = cnf
		return nil
	}
}

// setupEscrow connects the datasource and every optional collaborator the
// configuration enables.
func setupEscrow(app *escrowInstance, cfg *config.Configuration) error {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	var opts []escrow.Option
	if cfg.Redis.Dns != "" {
		rdb, err := redis_db.NewRedisClient(redis_db.SplitAddresses(cfg.Redis.Dns), cfg.Redis.SkipTLSVerify)
		if err != nil {
			return fmt.Errorf("error connecting to redis: %v", err)
		}
		queue, err := escrow.NewQueue(cfg)
		if err != nil {
			return fmt.Errorf("error creating queue: %v", err)
		}
		app.redis = rdb
		app.queue = queue
		opts = append(opts,
			escrow.WithRedis(rdb.Client()),
			escrow.WithCache(cache.NewCache(rdb.Client())),
			escrow.WithQueue(queue),
		)
	} else {
		logrus.Warn("redis not configured: running without withdrawal lock, cache and queue wake-ups")
	}

	provider, err := payout.NewFromConfig(cfg)
	switch {
	case errors.Is(err, payout.ErrNotConfigured):
		logrus.Warn("payout provider not configured: withdrawals cannot be approved")
	case err != nil:
		return fmt.Errorf("error creating payout provider: %v", err)
	default:
		opts = append(opts, escrow.WithProvider(provider))
	}

	// NewFromConfig returns a typed nil when dispatch is off.
	if d := dispatch.NewFromConfig(cfg); d != nil {
		opts = append(opts, escrow.WithDispatcher(d))
	}

	e, err := escrow.NewEscrow(db, opts...)
	if err != nil {
		return fmt.Errorf("error creating escrow: %v", err)
	}
	app.escrow = e
	return nil
}

func (app *escrowInstance) close() {
	if app.queue != nil {
		if err := app.queue.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close queue")
		}
	}
	if app.redis != nil {
		if err := app.redis.Client().Close(); err != nil {
			logrus.WithError(err).Warn("failed to close redis")
		}
	}
}

// NewCLI creates the command-line interface with its subcommands.
func NewCLI() *Escrow {
	var configFile string
	app := &escrowInstance{}

	var rootCmd = &cobra.Command{
		Use:   "escrow",
		Short: "Escrow ledger and settlement engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./escrow.json", "Configuration file for the escrow engine")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) { app.close() }

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(jobCommands(app))
	rootCmd.AddCommand(payoutCommands(app))
	rootCmd.AddCommand(configCommands())

	return &Escrow{cmd: rootCmd}
}

func (w Escrow) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
