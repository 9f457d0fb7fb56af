/*
Copyright 2024 Haven Storage Authors.

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
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// queueCommands creates the command group for queue administration.
func queueCommands(app *havenInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "inspect and drive the pending operation queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "process-once",
		Short: "run a single queue processing pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			attempted, err := app.engine.ProcessQueueOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("attempted %d operations\n", attempted)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "depth",
		Short: "print pending and quarantined operation counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			depth, err := app.engine.Queue().Depth(cmd.Context())
			if err != nil {
				return err
			}
			poison, err := app.engine.Queue().PoisonCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pending: %d, quarantined: %d\n", depth, poison)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild-index",
		Short: "reconstruct the FIFO index from the pending store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.engine.RebuildIndex(cmd.Context())
		},
	})

	failed := &cobra.Command{
		Use:   "failed",
		Short: "manage quarantined (poison) operations",
	}

	var includeArchived bool
	list := &cobra.Command{
		Use:   "list",
		Short: "list quarantined operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := app.engine.Queue().ListFailed(cmd.Context(), includeArchived)
			if err != nil {
				return err
			}
			for _, op := range ops {
				fmt.Printf("%s  source=%s attempts=%d code=%s archived=%v %s\n",
					op.FailedID, op.SourceOperationID, op.Attempts, op.ErrorCode,
					op.Archived, op.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&includeArchived, "archived", false, "include archived operations")
	failed.AddCommand(list)

	failed.AddCommand(&cobra.Command{
		Use:   "retry [failed-id]",
		Short: "re-enqueue a quarantined operation, preserving its idempotency key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := app.engine.RetryFailedOperation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("re-enqueued as %s\n", op.OperationID)
			return nil
		},
	})

	failed.AddCommand(&cobra.Command{
		Use:   "archive [failed-id]",
		Short: "archive a quarantined operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.engine.Queue().ArchiveFailed(cmd.Context(), args[0])
		},
	})

	failed.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "delete archived quarantine records past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			retention := time.Duration(app.cnf.Queue.PoisonRetention) * 24 * time.Hour
			purged, err := app.engine.Queue().PurgeFailed(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d records\n", purged)
			return nil
		},
	})

	cmd.AddCommand(failed)
	return cmd
}
