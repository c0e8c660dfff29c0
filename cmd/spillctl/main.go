// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Command spillctl lists, splits and reads the
// catalogs of a blockspill configuration and
// decodes spilled blocks.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/SnellerInc/blockspill/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfg    *config.Config
	svc    *config.Service
	logger *zap.Logger
	cancel context.CancelFunc = func() {}
)

var rootCmd = &cobra.Command{
	Use:           "spillctl",
	Short:         "Inspect blockspill catalogs and spilled results",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var ctx context.Context
		ctx, cancel = context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
		cmd.SetContext(ctx)
		return setup(ctx)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		cancel()
		if svc != nil {
			return svc.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "blockspill.yaml", "configuration file")
	rootCmd.PersistentFlags().String("catalog", "", "catalog to query (default: the only configured catalog)")
	rootCmd.PersistentFlags().String("query-id", "", "query id (default: random)")
	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Minute, "bound on the whole command")

	for _, name := range []string{"config", "catalog", "query-id", "log-level", "timeout"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	viper.SetEnvPrefix("SPILLCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(tablesCmd(), splitsCmd(), readCmd(), dumpCmd())
}

func setup(ctx context.Context) error {
	var err error
	cfg, err = config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger, err = cfg.Logger()
	if err != nil {
		return err
	}
	svc, err = cfg.Open(ctx, logger, nil)
	return err
}

// catalog resolves --catalog, defaulting to
// the single configured catalog.
func catalog() (string, error) {
	if c := viper.GetString("catalog"); c != "" {
		return c, nil
	}
	names := svc.Registry.Catalogs()
	if len(names) != 1 {
		return "", fmt.Errorf("--catalog is required with %d catalogs configured", len(names))
	}
	return names[0], nil
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if logger != nil {
		logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "spillctl:", err)
		os.Exit(1)
	}
}
