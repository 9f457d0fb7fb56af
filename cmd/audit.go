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
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// auditCommands creates the root command for inspecting the audit log.
func auditCommands(app *havenInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "inspect and export the audit log",
	}

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "print the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := cmd.Flags().GetInt("n")
			if err != nil {
				return err
			}
			entries, err := app.engine.AuditTail(cmd.Context(), n)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				fmt.Printf("%s  %-8s  %-24s  actor=%s\n",
					entry.Timestamp.UTC().Format(time.RFC3339), entry.Severity, entry.Type, entry.ActorID)
			}
			return nil
		},
	}
	tailCmd.Flags().Int("n", 20, "number of entries to print")
	cmd.AddCommand(tailCmd)

	exportCmd := &cobra.Command{
		Use:   "export-redacted",
		Short: "export audit entries with sensitive fields masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceFlag, err := cmd.Flags().GetString("since")
			if err != nil {
				return err
			}
			since := time.Time{}
			if sinceFlag != "" {
				since, err = time.Parse(time.RFC3339, sinceFlag)
				if err != nil {
					return fmt.Errorf("invalid --since value %q: %w", sinceFlag, err)
				}
			}
			entries, err := app.engine.Audit().ExportRedacted(cmd.Context(), since)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(entries, "", "    ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	exportCmd.Flags().String("since", "", "only export entries at or after this RFC3339 timestamp")
	cmd.AddCommand(exportCmd)

	return cmd
}
