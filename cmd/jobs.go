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
	"encoding/json"
	"fmt"
	"log"

	"github.com/blnkfinance/escrow/model"
	"github.com/spf13/cobra"
)

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Error printing result: %v", err)
	}
	fmt.Println(string(data))
}

// jobCommands exposes the durable job table to operators.
func jobCommands(app *escrowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "inspect and run settlement jobs",
	}

	var maxCount int
	process := &cobra.Command{
		Use:   "process",
		Short: "run due jobs once",
		Run: func(cmd *cobra.Command, args []string) {
			summary, err := app.escrow.ProcessPendingJobs(context.Background(), maxCount)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(summary)
		},
	}
	process.Flags().IntVar(&maxCount, "max", 0, "maximum jobs to claim (0 uses jobs.batch_size)")

	var status string
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "list jobs, optionally by status",
		Run: func(cmd *cobra.Command, args []string) {
			jobs, err := app.escrow.ListJobs(context.Background(), model.JobStatus(status), limit, offset)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(jobs)
		},
	}
	list.Flags().StringVar(&status, "status", "", "PENDING, COMPLETED or FAILED")
	list.Flags().IntVar(&limit, "limit", 20, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	retry := &cobra.Command{
		Use:   "retry [job id]",
		Short: "reset a job so it runs again",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job, err := app.escrow.RetryJob(context.Background(), args[0])
			if err != nil {
				log.Fatal(err)
			}
			printJSON(job)
		},
	}

	cmd.AddCommand(process, list, retry)
	return cmd
}

// payoutCommands runs payout release from cron or by hand.
func payoutCommands(app *escrowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "release payouts",
	}

	var limit int
	releaseDue := &cobra.Command{
		Use:   "release-due",
		Short: "release every order whose hold window has elapsed",
		Run: func(cmd *cobra.Command, args []string) {
			summary, err := app.escrow.ReleaseDuePayouts(context.Background(), limit)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(summary)
		},
	}
	releaseDue.Flags().IntVar(&limit, "limit", 0, "maximum orders to release (0 uses jobs.batch_size)")

	cmd.AddCommand(releaseDue)
	return cmd
}
