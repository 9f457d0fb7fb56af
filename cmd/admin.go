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
	"os"

	"github.com/spf13/cobra"

	"github.com/havenstore/haven/config"
)

// adminCommands groups maintenance operations that touch every partition.
func adminCommands(app *havenInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "maintenance operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate-key",
		Short: "re-encrypt all partitions under the current key version",
		RunE: func(cmd *cobra.Command, args []string) error {
			rotated, err := app.engine.RotateEncryptionKey(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("rotated %d records\n", rotated)
			return nil
		},
	})

	cmd.AddCommand(configCommands())

	return cmd
}

// configCommands outputs and bootstraps the instance configuration. These
// run without an engine: no master key is needed to print or write a
// config file.
func configCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.InitConfig("haven.json")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Fetch()
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				return err
			}

			fmt.Println(string(data))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "write a haven.json populated with computed defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat("haven.json"); err == nil {
				return fmt.Errorf("haven.json already exists; remove it before re-initializing")
			}

			cfg, err := config.Fetch()
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				return err
			}
			if err := os.WriteFile("haven.json", data, 0600); err != nil {
				return err
			}
			fmt.Println("wrote haven.json")
			return nil
		},
	})

	return cmd
}
