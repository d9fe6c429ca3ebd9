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
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blnkfinance/escrow"
	"github.com/blnkfinance/escrow/config"
	redis_db "github.com/blnkfinance/escrow/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues weights job wake-ups above notification delivery.
func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.JobQueue:          3,
		cfg.Queue.NotificationQueue: 1,
	}
}

func initializeWorkerServer(conf *config.Configuration, opt asynq.RedisClientOpt) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      initializeQueues(conf),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithError(err).WithField("queue", task.Type()).Error("task failed")
		}),
	})
}

func initializeTaskHandlers(app *escrowInstance, cfg *config.Configuration, mux *asynq.ServeMux) {
	mux.HandleFunc(cfg.Queue.JobQueue, app.escrow.ProcessJobTask)
	mux.HandleFunc(cfg.Queue.NotificationQueue, escrow.ProcessNotification)
}

func startMonitoring(conf *config.Configuration, opt asynq.RedisClientOpt) {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
}

// workerCommands starts the asynq workers for job wake-ups and notification
// delivery, plus the sweeper that covers anything the queue missed.
func workerCommands(app *escrowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start escrow workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf, "ESCROW_WORKERS")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}

			sweeper := escrow.NewSweeper(app.escrow)
			sweeper.Start(ctx)
			defer sweeper.Stop()

			if conf.Redis.Dns == "" {
				logrus.Warn("redis not configured: running the sweeper only")
				sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				<-sigCtx.Done()
				return
			}

			opt, err := redis_db.AsynqOptions(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			if err != nil {
				log.Fatalf("error parsing Redis URL: %v", err)
			}

			srv := initializeWorkerServer(conf, opt)
			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, conf, mux)
			startMonitoring(conf, opt)

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
