// Copyright 2024 The Quorumkv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command quorumkv-node runs one node of a quorumkv cluster.
package main

import (
	"fmt"
	"os"
	"syscall"

	gcontext "github.com/quorumkv/quorumkv/golibs/context"
	"github.com/quorumkv/quorumkv/golibs/logging"
	"github.com/quorumkv/quorumkv/pkg/server"
	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "quorumkv-node",
		Short: "quorumkv cluster node",
	}

	var cfgFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "start the node and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgFile)
		},
	}
	serveCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to a JSON or YAML config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildVersion)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cfgFile string) error {
	log := logging.NewLogger("quorumkv-node")

	cfg, err := server.BuildConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}

	ctx := gcontext.NewSignalsContext(os.Interrupt, syscall.SIGTERM)

	if err := server.Run(ctx, cfg); err != nil {
		log.Errorf("node exited with error: %v", err)
		return err
	}
	return nil
}
