// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodemount/nodemount/cfg"
	"github.com/nodemount/nodemount/internal/database"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/mountdb"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/nodemount/nodemount/internal/util"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// withMountDB opens the catalog named by c and runs f against its mount
// table. The catalog is closed before returning.
func withMountDB(ctx context.Context, c *cfg.Config, newClient clientFn, f func(db *mountdb.DB) error) (err error) {
	client, err := newClient(ctx, c)
	if err != nil {
		return fmt.Errorf("connecting to the remote: %w", err)
	}

	path := string(c.Catalog.Path)
	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}

	catalog, err := database.Open(ctx, path, database.Options{
		PoolSize: int(c.Catalog.PoolSize),
		Logger:   logger.NewLogger("catalog: "),
	})
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer func() {
		if closeErr := catalog.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing catalog: %w", closeErr)
		}
	}()

	err = f(mountdb.New(catalog, client))
	return
}

func newMountsCmd(c *cfg.Config, newClient clientFn) *cobra.Command {
	mountsCmd := &cobra.Command{
		Use:   "mounts",
		Short: "Manage configured mounts",
	}
	mountsCmd.AddCommand(
		newMountsAddCmd(c, newClient),
		newMountsRemoveCmd(c, newClient),
		newMountsListCmd(c, newClient),
		newMountsEnableCmd(c, newClient))
	return mountsCmd
}

func newMountsAddCmd(c *cfg.Config, newClient clientFn) *cobra.Command {
	var (
		atStartup bool
		transient bool
		readOnly  bool
	)
	addCmd := &cobra.Command{
		Use:   "add NAME ROOT-HANDLE PATH",
		Short: "Configure a new mount of a remote directory at a local path",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := util.GetResolvedPath(args[2])
			if err != nil {
				return err
			}
			return withMountDB(cmd.Context(), c, newClient, func(db *mountdb.DB) error {
				m, err := db.Add(cmd.Context(), mountdb.Mount{
					Name:            args[0],
					RootHandle:      remote.Handle(args[1]),
					Path:            path,
					EnableAtStartup: atStartup,
					Persistent:      !transient,
					ReadOnly:        readOnly,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added mount %q (id %d) at %s\n", m.Name, m.ID, m.Path)
				return nil
			})
		},
	}
	addCmd.Flags().BoolVar(&atStartup, "enable-at-startup", true, "Mount this at service start.")
	addCmd.Flags().BoolVar(&transient, "transient", false, "Drop this mount when the service shuts down.")
	addCmd.Flags().BoolVar(&readOnly, "read-only", false, "Mount read-only.")
	return addCmd
}

func newMountsRemoveCmd(c *cfg.Config, newClient clientFn) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a configured mount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMountDB(cmd.Context(), c, newClient, func(db *mountdb.DB) error {
				m, err := db.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return db.Remove(cmd.Context(), m.ID)
			})
		},
	}
}

func newMountsListCmd(c *cfg.Config, newClient clientFn) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured mounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMountDB(cmd.Context(), c, newClient, func(db *mountdb.DB) error {
				ms, err := db.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(ms) == 0 {
					return nil
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err = enc.Encode(ms); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}

func newMountsEnableCmd(c *cfg.Config, newClient clientFn) *cobra.Command {
	var off bool
	enableCmd := &cobra.Command{
		Use:   "enable NAME",
		Short: "Mark a mount to be mounted at service start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMountDB(cmd.Context(), c, newClient, func(db *mountdb.DB) error {
				return db.SetEnableAtStartup(cmd.Context(), args[0], !off)
			})
		},
	}
	enableCmd.Flags().BoolVar(&off, "off", false, "Stop mounting this at service start.")
	return enableCmd
}
