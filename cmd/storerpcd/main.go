// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command storerpcd serves the store lookups of one platform on a unix
// socket.
//
//	storerpcd [flags] android|ios
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luxfi/storerpc"
	"github.com/luxfi/storerpc/config"
	"github.com/luxfi/storerpc/provider"
	"github.com/luxfi/storerpc/server"
)

var errUsage = errors.New("usage")

// runFunc runs the server until it stops.
type runFunc func(p provider.Platform, cfg config.Config) error

func main() {
	os.Exit(submain(os.Args[1:], os.Stdout, os.Stderr, func(p provider.Platform, cfg config.Config) error {
		server.Run(p, cfg)
		return nil
	}))
}

func submain(args []string, stdout, stderr io.Writer, run runFunc) int {
	if args == nil {
		// cobra falls back to os.Args on nil
		args = []string{}
	}
	cmd := newRootCommand(viper.New(), run)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stdout, "No store provided %v. Should be\n$ storerpcd [android|ios]\n", args)
		} else {
			fmt.Fprintf(stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(v *viper.Viper, run runFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "storerpcd android|ios",
		Short:         "storerpcd serves app store lookups for one platform over a local socket",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # serve the play store, relaying lookups to a provider service
  storerpcd --upstream-url http://127.0.0.1:8080/rpc android

  # serve the app store over gRPC with a config file
  STORERPC_TRANSPORT=grpc storerpcd --config storerpc.toml ios
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errUsage
			}
			if _, err := provider.ParsePlatform(args[0]); err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := provider.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			cfg, err := resolveConfig(v, p)
			if err != nil {
				return err
			}
			return run(p, cfg)
		},
	}

	def := config.Default()
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to a TOML config file")
	flags.String("socket-dir", def.Socket.Dir, "directory holding the socket file")
	flags.String("socket-prefix", def.Socket.Prefix, "socket file prefix, <prefix>_<platform>.sock")
	flags.String("transport", def.Socket.Transport, fmt.Sprintf("wire transport, one of %v", storerpc.AvailableTransports()))
	flags.String("log-dir", def.Log.Dir, "directory for the rotating log file, empty to disable")
	flags.String("log-level", def.Log.Level, "debug, info, warn or error")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")
	flags.String("upstream-url", "", "JSON-RPC provider service for the selected platform")
	flags.Duration("upstream-timeout", 0, "per request timeout of the provider service")
	bindFlags(v, flags)

	v.SetEnvPrefix("STORERPC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
}

// resolveConfig layers the config file, environment and flags, in
// increasing precedence.
func resolveConfig(v *viper.Viper, p provider.Platform) (config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	overlay := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	overlay("socket-dir", &cfg.Socket.Dir)
	overlay("socket-prefix", &cfg.Socket.Prefix)
	overlay("transport", &cfg.Socket.Transport)
	overlay("log-dir", &cfg.Log.Dir)
	overlay("log-level", &cfg.Log.Level)
	overlay("metrics-addr", &cfg.Metrics.Addr)

	up := cfg.Upstream[string(p)]
	overlay("upstream-url", &up.URL)
	if v.IsSet("upstream-timeout") {
		up.Timeout = config.Duration(v.GetDuration("upstream-timeout"))
	}
	if up != (config.Upstream{}) {
		cfg.Upstream[string(p)] = up
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
