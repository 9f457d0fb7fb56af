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
	"context"
	"encoding/base64"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	haven "github.com/havenstore/haven"
	"github.com/havenstore/haven/config"
	"github.com/havenstore/haven/internal/crypt"
	"github.com/havenstore/haven/internal/storeerr"
	"github.com/havenstore/haven/model"
)

// havenCLI represents the CLI application, encapsulating the root Cobra command.
type havenCLI struct {
	cmd *cobra.Command
}

// havenInstance holds the engine instance and its configuration for use by
// subcommands.
type havenInstance struct {
	engine *haven.Haven
	cnf    *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// envKeySource reads the master key from HAVEN_MASTER_KEY (base64). The
// admin CLI has no platform secure storage; key custody stays with the
// operator's environment.
func envKeySource() (crypt.KeySource, error) {
	encoded := os.Getenv("HAVEN_MASTER_KEY")
	if encoded == "" {
		return nil, errMissingKey
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return crypt.NewStaticKeySource(1, map[int][]byte{1: key}), nil
}

var errMissingKey = &missingKeyError{}

type missingKeyError struct{}

func (*missingKeyError) Error() string {
	return "HAVEN_MASTER_KEY is not set; export the base64 master key before running admin commands"
}

// noopSyncConsumer is the admin CLI's stand-in consumer: the real sync
// consumer lives in the host application, so every delivery attempt from
// the CLI reports a transient failure and leaves the queue untouched.
type noopSyncConsumer struct{}

func (noopSyncConsumer) Deliver(_ context.Context, _ *model.PendingOperation) haven.SyncResult {
	return haven.SyncResult{Status: haven.SyncTransientFailure, Reason: "no sync consumer wired into the admin CLI"}
}

func (noopSyncConsumer) Rebase(_ context.Context, op *model.PendingOperation) (map[string]interface{}, error) {
	return op.Payload, nil
}

// preRun sets up the configuration and initializes the engine before running
// any command that needs it.
func preRun(app *havenInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("haven.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		keys, err := envKeySource()
		if err != nil {
			return err
		}

		engine, err := haven.New(keys, haven.NewCodecRegistry(), noopSyncConsumer{})
		if err != nil {
			log.Fatal(err)
		}

		app.engine = engine
		app.cnf = cnf
		return nil
	}
}

// NewCLI creates the command-line interface for the haven admin tool.
func NewCLI() *havenCLI {
	var app havenInstance

	rootCmd := &cobra.Command{
		Use:   "haven",
		Short: "haven: local-first encrypted persistence engine",
	}
	rootCmd.PersistentPreRunE = preRun(&app)

	rootCmd.AddCommand(queueCommands(&app))
	rootCmd.AddCommand(backupCommands(&app))
	rootCmd.AddCommand(migrateCommands(&app))
	rootCmd.AddCommand(auditCommands(&app))
	rootCmd.AddCommand(adminCommands(&app))

	return &havenCLI{cmd: rootCmd}
}

func (c *havenCLI) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		entry := logrus.WithField("failure_class", storeerr.ClassOf(err).String())
		switch storeerr.ClassOf(err) {
		case storeerr.ClassTransient:
			entry.Error(err, " (safe to re-run the command)")
		case storeerr.ClassManual:
			entry.Error(err, " (needs operator attention before retrying)")
		default:
			entry.Error(err)
		}
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()
	cli := NewCLI()
	cli.executeCLI()
}
