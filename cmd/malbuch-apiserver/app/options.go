// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"github.com/spf13/pflag"

	"github.com/malbuch/malbuch/pkg/apis/config"
)

type options struct {
	configFile string
	config     *config.Config
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configFile, "config", o.configFile, "Path to a YAML configuration file. MALBUCH_* environment variables override file values.")
}

// Complete loads the configuration from the environment and the optional
// config file.
func (o *options) Complete() error {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}

	o.config = cfg
	return nil
}

func (o *options) Validate() error {
	return o.config.Validate()
}

func (o *options) LogConfig() (logLevel, logFormat, logFile string) {
	return o.config.Log.Level, o.config.Log.Format, o.config.Log.File
}
