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
	"fmt"
	"log"
	"os"

	"github.com/blnkfinance/disburse"
	"github.com/blnkfinance/disburse/config"
	"github.com/blnkfinance/disburse/database"
	"github.com/blnkfinance/disburse/gateway"
	"github.com/blnkfinance/disburse/internal/metrics"
	"github.com/blnkfinance/disburse/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Disburse represents the CLI application, encapsulating the root Cobra command.
type Disburse struct {
	cmd *cobra.Command
}

// disburseInstance holds the service and its configuration for the running command.
type disburseInstance struct {
	disburse *disburse.Disburse
	gateway  *gateway.Client
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the service before any command runs.
// The migrate command only needs configuration.
func preRun(app *disburseInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config", err)
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		if cmd.Parent() != nil && cmd.Parent().Name() == "migrate" {
			return nil
		}

		client := gateway.NewClient(cnf.Gateway)
		service, err := setupDisburse(cnf, client)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.disburse = service
		app.gateway = client
		return nil
	}
}

func setupDisburse(cfg *config.Configuration, client *gateway.Client) (*disburse.Disburse, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}
	service, err := disburse.NewDisburse(db, client, metrics.NewCollector(nil))
	if err != nil {
		return nil, fmt.Errorf("error creating disburse: %v", err)
	}
	return service, nil
}

// NewCLI creates the command-line interface with the start, workers and migrate commands.
func NewCLI() *Disburse {
	var configFile string
	d := &disburseInstance{}

	var rootCmd = &cobra.Command{
		Use:   "disburse",
		Short: "Payout disbursement service",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./disburse.json", "Configuration file for the disbursement service")
	rootCmd.PersistentPreRunE = preRun(d, &configFile)

	rootCmd.AddCommand(serverCommands(d))
	rootCmd.AddCommand(workerCommands(d))
	rootCmd.AddCommand(migrateCommands(d))

	return &Disburse{cmd: rootCmd}
}

func (w Disburse) executeCLI() {
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
