// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package initrun holds the boot sequence shared by the binaries: options
// staging, logger construction and the startup banner.
package initrun

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/malbuch/malbuch/pkg/logger"
	"github.com/malbuch/malbuch/pkg/version"
)

// Options stages a command's configuration: Complete loads it, Validate
// rejects it before anything runs, LogConfig hands out the logging settings.
type Options interface {
	Complete() error
	Validate() error
	LogConfig() (logLevel, logFormat, logFile string)
}

// InitRun stages the options, builds the logger and echoes the version and
// every flag value. Errors raised later are the command body's to log, so
// cobra's usage and error printing are silenced here.
func InitRun(cmd *cobra.Command, opts Options, name string) (logr.Logger, error) {
	if err := opts.Complete(); err != nil {
		return logr.Discard(), err
	}
	if err := opts.Validate(); err != nil {
		return logr.Discard(), err
	}

	logLevel, logFormat, logFile := opts.LogConfig()
	log, err := logger.NewZapLogger(logLevel, logFormat, logger.Options{File: logFile})
	if err != nil {
		return logr.Discard(), fmt.Errorf("building logger: %w", err)
	}

	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	log.Info("Starting "+name, "version", version.Get())
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		log.Info("Flag", "name", f.Name, "value", f.Value.String())
	})

	return log, nil
}
