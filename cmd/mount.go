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
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"
	"github.com/nodemount/nodemount/cfg"
	"github.com/nodemount/nodemount/common"
	"github.com/nodemount/nodemount/internal/locker"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/monitor"
	"github.com/nodemount/nodemount/internal/perf"
	"github.com/nodemount/nodemount/internal/remote"
	"github.com/nodemount/nodemount/internal/service"
	"github.com/nodemount/nodemount/internal/util"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

const (
	SuccessfulMountMessage         = "Mounts have been successfully brought up."
	UnsuccessfulMountMessagePrefix = "Error while mounting nodemount"
)

func newMountCmd(c *cfg.Config, m mountFn) *cobra.Command {
	return &cobra.Command{
		Use:   "mount [NAME...]",
		Short: "Serve configured mounts until they are unmounted",
		Long: `Serve the named mounts, or every mount enabled at startup when no name is
given. Runs in the background unless --foreground is set.`,
		RunE: func(_ *cobra.Command, args []string) error {
			return m(c, args)
		},
	}
}

// Mount brings up the named mounts and serves them until each is unmounted or
// the process is signalled.
func Mount(c *cfg.Config, names []string) (err error) {
	logger.SetLogFormat(c.Logging.Format)

	if !c.Foreground {
		return daemonizeSelf(c)
	}

	if err = logger.InitLogFile(c.Logging); err != nil {
		return fmt.Errorf("init log file: %w", err)
	}
	logger.Infof("Start nodemount/%s for app %q\n", common.GetVersion(), c.AppName)
	logger.Info("nodemount config", "config", c)

	if c.Debug.ExitOnInvariantViolation {
		locker.EnableInvariantsCheck()
	}
	if c.Debug.LogMutex {
		locker.EnableDebugMessages()
	}
	go perf.HandleProfileSignals(string(c.FileCache.CacheDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	shutdownFn := common.JoinShutdownFunc(
		monitor.SetupOTelMetricExporters(ctx, c),
		monitor.SetupTracing(ctx, c))
	defer func() {
		if shutdownErr := shutdownFn(context.Background()); shutdownErr != nil {
			logger.Errorf("Error while shutting down exporters: %v", shutdownErr)
		}
	}()

	metricHandle, err := common.NewOTelMetrics(nil)
	if err != nil {
		logger.Warnf("Falling back to no-op metrics: %v", err)
		metricHandle = common.NewNoopMetrics()
	}

	client, err := newRemoteClient(ctx, c)
	if err != nil {
		signalOutcome(err)
		return err
	}

	deps := service.Dependencies{Client: client, Metrics: metricHandle}
	if n, ok := client.(remote.Notifier); ok {
		deps.Notifier = n
	}
	return runService(ctx, c, deps, names)
}

// runService opens the service, activates the requested mounts and blocks
// until they are all unmounted or ctx is cancelled. The outcome of activation
// is reported to a waiting parent process.
func runService(ctx context.Context, c *cfg.Config, deps service.Dependencies, names []string) (err error) {
	sc, err := service.NewConfig(c)
	if err != nil {
		signalOutcome(err)
		return err
	}

	svc, err := service.Open(ctx, sc, deps)
	if err != nil {
		signalOutcome(err)
		return err
	}
	defer func() {
		// Signal cancellation must not abort the flushes done at close.
		err = errors.Join(err, svc.Close(context.WithoutCancel(ctx)))
	}()

	if len(names) == 0 {
		err = svc.Start(ctx)
	} else {
		for _, name := range names {
			if enableErr := svc.Enable(ctx, name); enableErr != nil {
				err = errors.Join(err, fmt.Errorf("%s: %w", name, enableErr))
			}
		}
	}
	if err != nil {
		logger.Errorf("%s: %v\n", UnsuccessfulMountMessagePrefix, err)
		err = fmt.Errorf("%s: %w", UnsuccessfulMountMessagePrefix, err)
		signalOutcome(err)
		return
	}
	logger.Info(SuccessfulMountMessage)
	signalOutcome(nil)

	if waitErr := svc.Wait(ctx); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		err = waitErr
		return
	}
	if ctx.Err() != nil {
		logger.Infof("Received termination signal; unmounting.")
	}
	return
}

// signalOutcome tells a parent waiting in daemonize.Run how activation went.
// Errors are only logged since a foreground run has no parent.
func signalOutcome(outcome error) {
	if err := daemonize.SignalOutcome(outcome); err != nil {
		logger.Errorf("Failed to signal outcome to parent-process from daemon: %v", err)
	}
}

// daemonizeSelf re-runs this invocation in the foreground as a daemon and
// waits for it to report on activation.
func daemonizeSelf(c *cfg.Config) (err error) {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)

	// Pass along PATH so that the daemon can find fusermount.
	env := []string{
		fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
	}
	for _, name := range []string{"GOOGLE_APPLICATION_CREDENTIALS", "https_proxy", "http_proxy", "no_proxy"} {
		if p, ok := os.LookupEnv(name); ok {
			env = append(env, fmt.Sprintf("%s=%s", name, p))
		}
	}

	// Relative paths in the daemon resolve against our working directory.
	if wd, wdErr := os.Getwd(); wdErr == nil {
		env = append(env, fmt.Sprintf("%s=%s", util.PARENT_PROCESS_DIR, wd))
	}
	if homeDir, homeErr := os.UserHomeDir(); homeErr == nil {
		env = append(env, fmt.Sprintf("HOME=%s", homeDir))
	}

	var stderrFile *os.File
	if c.Logging.FilePath != "" {
		stderrFileName := string(c.Logging.FilePath) + ".stderr"
		if stderrFile, err = os.OpenFile(stderrFileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err != nil {
			return err
		}
		defer stderrFile.Close()
	}

	if err = daemonize.Run(path, args, env, os.Stdout, stderrFile); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	logger.Infof(SuccessfulMountMessage)
	return nil
}
