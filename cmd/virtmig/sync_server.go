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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"virtmig.io/virtmig/pkg/barrier"
	"virtmig.io/virtmig/pkg/log"
)

func NewSyncServerCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "sync-server",
		Short: "Run the barrier/exchange rendezvous service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := barrier.NewServer()
			if err := srv.Start(listen); err != nil {
				return err
			}
			log.Log.Infof("sync server listening on %s", srv.Addr())

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			<-sigs
			srv.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9341", "address to listen on")
	return cmd
}
