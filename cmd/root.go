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

	"github.com/mitchellh/mapstructure"
	"github.com/nodemount/nodemount/cfg"
	"github.com/nodemount/nodemount/common"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// mountFn serves the named mounts, or those enabled at startup when names is
// empty.
type mountFn func(c *cfg.Config, names []string) error

// clientFn connects to the remote node tree.
type clientFn func(ctx context.Context, c *cfg.Config) (remote.Client, error)

func newRootCmd(m mountFn, newClient clientFn) (*cobra.Command, error) {
	var (
		configFile string
		c          cfg.Config
	)
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "nodemount",
		Short: "Mount remote node trees as local file systems",
		Long: `nodemount exposes directories of a remote node tree as locally mounted
file systems. Mounts are configured once with "nodemount mounts add" and served
with "nodemount mount".`,
		Version:      common.GetVersion(),
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return populateConfig(v, configFile, &c)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "The path to the config file where all nodemount related config needs to be specified.")
	if err := cfg.BindFlags(v, rootCmd.PersistentFlags()); err != nil {
		return nil, fmt.Errorf("error while binding flags: %w", err)
	}

	rootCmd.AddCommand(
		newMountCmd(&c, m),
		newMountsCmd(&c, newClient))
	return rootCmd, nil
}

func populateConfig(v *viper.Viper, configFile string, c *cfg.Config) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error while reading the config file: %w", err)
		}
	}

	err := v.Unmarshal(c, viper.DecodeHook(cfg.DecodeHook()), func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.TagName = "yaml"
	})
	if err != nil {
		return fmt.Errorf("error while unmarshaling the config: %w", err)
	}

	if err = cfg.Rationalize(c); err != nil {
		return fmt.Errorf("error while rationalizing the config: %w", err)
	}
	if err = cfg.ValidateConfig(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func Execute() {
	rootCmd, err := newRootCmd(Mount, newRemoteClient)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err = rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
