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

	"github.com/blnkfinance/disburse"
	"github.com/blnkfinance/disburse/config"
	redis_db "github.com/blnkfinance/disburse/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func initializeQueues(conf config.QueueConfig) map[string]int {
	return map[string]int{
		conf.ReconcileQueue: 3,
		conf.WebhookQueue:   2,
		conf.SweepQueue:     1,
	}
}

func initializeWorkerServer(opt asynq.RedisClientOpt, conf config.QueueConfig) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.WorkerConcurrent,
		Queues:      initializeQueues(conf),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logrus.WithFields(logrus.Fields{
				"task":      task.Type(),
				"retried":   retried,
				"max_retry": maxRetry,
			}).WithError(err).Warn("task failed")
		}),
	})
}

func initializeTaskHandlers(d *disburse.Disburse, conf config.QueueConfig) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(conf.ReconcileQueue, d.ProcessReconcileTask)
	mux.HandleFunc(conf.SweepQueue, d.ProcessSweepTask)
	mux.HandleFunc(conf.WebhookQueue, disburse.ProcessWebhook)
	return mux
}

// initializeScheduler registers the periodic reconciliation sweep.
func initializeScheduler(opt asynq.RedisClientOpt, conf config.QueueConfig) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(opt, nil)
	task, err := disburse.NewSweepTask(conf)
	if err != nil {
		return nil, err
	}
	entryID, err := scheduler.Register(conf.SweepInterval, task)
	if err != nil {
		return nil, fmt.Errorf("register reconciliation sweep %q: %w", conf.SweepInterval, err)
	}
	logrus.WithFields(logrus.Fields{"entry_id": entryID, "spec": conf.SweepInterval}).Info("reconciliation sweep scheduled")
	return scheduler, nil
}

func startMonitoring(opt asynq.RedisClientOpt, port string) {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})
	go func() {
		monitoringAddr := fmt.Sprintf(":%s", port)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
}

// workerCommands starts the reconciliation and webhook workers together with the
// sweep scheduler.
func workerCommands(d *disburseInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start disburse workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := d.cnf

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			opt, err := redis_db.AsynqClientOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			if err != nil {
				log.Fatalf("error parsing Redis URL: %v", err)
			}

			scheduler, err := initializeScheduler(opt, conf.Queue)
			if err != nil {
				log.Fatal(err)
			}
			if err := scheduler.Start(); err != nil {
				log.Fatalf("could not start scheduler: %v", err)
			}
			defer scheduler.Shutdown()

			startMonitoring(opt, conf.Queue.MonitoringPort)

			srv := initializeWorkerServer(opt, conf.Queue)
			if err := srv.Run(initializeTaskHandlers(d.disburse, conf.Queue)); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
