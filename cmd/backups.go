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
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// backupCommands creates the command group for encrypted backup export and
// import.
func backupCommands(app *havenInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "export and import encrypted backups",
	}

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "write a full encrypted backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				stamp := time.Now().Format("2006-01-02-150405")
				path = filepath.Join(app.cnf.BackupDir, fmt.Sprintf("haven-%s.hvnbak", stamp))
			}
			if err := app.engine.ExportBackup(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Printf("backup written to %s\n", path)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "destination file (default: backup dir with timestamp)")
	cmd.AddCommand(export)

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "restore stores from a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.engine.ImportBackup(cmd.Context(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect [file]",
		Short: "print a backup's metadata without restoring it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := app.engine.Backup().ReadMetadata(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d\nexported: %s\napp: %s\n",
				meta.SchemaVersion, meta.ExportedAtUtc.Format(time.RFC3339), meta.AppIdentifier)
			return nil
		},
	})

	return cmd
}
