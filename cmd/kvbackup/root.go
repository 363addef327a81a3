// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cubefs/kvbackup/client"
	"github.com/cubefs/kvbackup/proto"
)

const envPrefix = "KVBACKUP"

var logLevels = map[string]log.Level{
	"debug": log.Ldebug,
	"info":  log.Linfo,
	"warn":  log.Lwarn,
	"error": log.Lerror,
	"fatal": log.Lfatal,
}

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "kvbackup",
		Short: "Back up and restore a key-value cluster.",
		Long: `Back up and restore a key-value cluster.

Backups are line oriented text files: one file, or a directory of files
of which exactly one carries the first-file marker. Every option can also
be given as KVBACKUP_<OPTION> in the environment or in a TOML file passed
with --config; flags take precedence over both.
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := setAllConfig(v, cmd.Flags()); err != nil {
				return err
			}
			level, err := cmd.Flags().GetString("log-level")
			if err != nil {
				return err
			}
			l, ok := logLevels[strings.ToLower(level)]
			if !ok {
				return fmt.Errorf("unknown log level %q", level)
			}
			log.SetOutputLevel(l)
			return nil
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")
	rc.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error or fatal.")

	rc.AddCommand(newBackupCommand(stdin, stdout, stderr))
	rc.AddCommand(newRestoreCommand(stdin, stdout, stderr))
	rc.AddCommand(newInspectCommand(stdin, stdout, stderr))
	rc.AddCommand(newNodeCommand(stdin, stdout, stderr))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig applies, in priority order, command line flags, KVBACKUP_*
// environment variables and the TOML file named by --config to every flag
// of flags.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})
	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// a slice from the config file reads back as "" through GetString
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		flagErr = f.Value.Set(value)
	})
	return flagErr
}

// clusterFlags are the connection options shared by backup and restore.
type clusterFlags struct {
	Host    string
	Timeout time.Duration
}

func (cf *clusterFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&cf.Host, "host", proto.HostPort(proto.DefaultHost, proto.DefaultPort),
		"Comma separated seed nodes, host[:port].")
	flags.DurationVar(&cf.Timeout, "timeout", proto.DefaultTimeout, "Timeout of a single cluster operation.")
}

func (cf *clusterFlags) config() *client.Config {
	return &client.Config{
		Hosts: cf.Host,
		TransportConfig: client.TransportConfig{
			MaxTimeoutMs: uint32(cf.Timeout / time.Millisecond),
		},
	}
}

// parseSize parses a byte size such as 250MB; an empty string is zero.
func parseSize(flag, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	var bs datasize.ByteSize
	if err := bs.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %v", flag, s, err)
	}
	return int64(bs.Bytes()), nil
}
