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

/*
Package main provides the CLI commands for managing schema migrations:
applying pending migrations and inspecting the current schema version.
Migration descriptors themselves are registered by the host application;
the admin tool can only run what the engine already knows about.
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// migrateCommands creates the root command for migration-related operations.
func migrateCommands(app *havenInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run and inspect schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := app.engine.Migrations().SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.engine.Migrations().Run(cmd.Context()); err != nil {
				return err
			}
			after, err := app.engine.Migrations().SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d -> %d\n", before, after)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := app.engine.Migrations().SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d\n", version)
			return nil
		},
	})

	return cmd
}
