/*
 * This file is part of the virtmig project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright 2024 The virtmig authors.
 *
 */

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"virtmig.io/virtmig/pkg/log"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "virtmig",
		Short:         "virtmig coordinates live migrations of VMs across hosts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStderr(), cmd.UsageString())
		},
	}
	rootCmd.PersistentFlags().Int("v", 2, "log verbosity level")
	rootCmd.PersistentFlags().String("params", "", "path to the YAML params file")
	rootCmd.AddCommand(
		NewSyncServerCommand(),
		NewMigrateCommand(),
		NewMultihostCommand(),
	)
	return rootCmd
}

func main() {
	log.InitializeLogging("virtmig")
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
