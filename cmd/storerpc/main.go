// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command storerpc talks to a running storerpcd.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luxfi/storerpc/client"
	"github.com/luxfi/storerpc/config"
	"github.com/luxfi/storerpc/lifecycle"
	"github.com/luxfi/storerpc/provider"
	"github.com/luxfi/storerpc/query"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := submain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func submain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if args == nil {
		args = []string{}
	}
	cmd := newRootCommand(viper.New())
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "storerpc",
		Short:         "storerpc calls a local store lookup endpoint",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	def := config.Default()
	flags := root.PersistentFlags()
	flags.String("socket-dir", def.Socket.Dir, "directory holding the socket files")
	flags.String("socket-prefix", def.Socket.Prefix, "socket file prefix")
	flags.String("transport", def.Socket.Transport, "wire transport of the server")
	flags.Duration("timeout", 30*time.Second, "per command timeout")
	flags.String("lang", client.DefaultLang, "lang filled into queries that lack one")
	flags.String("country", client.DefaultCountry, "country filled into queries that lack one")
	flags.Bool("fresh", false, "remove a socket left behind by a dead server before connecting")
	flags.String("spawn", "", "start this storerpcd binary when no server answers")
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
	v.SetEnvPrefix("STORERPC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newHelloCommand(v),
		newCallCommand(v),
		newMethodsCommand(v),
		newCleanCommand(v),
	)
	return root
}

func platformArg(args []string) (provider.Platform, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("missing platform, want android or ios")
	}
	return provider.ParsePlatform(args[0])
}

// connect dials the endpoint of p within the command timeout.
func connect(cmd *cobra.Command, v *viper.Viper, p provider.Platform) (context.Context, *client.Client, func(), error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	opts := []client.Option{
		client.WithSocketDir(v.GetString("socket-dir")),
		client.WithSocketPrefix(v.GetString("socket-prefix")),
		client.WithTransport(v.GetString("transport")),
		client.WithDefaults(v.GetString("lang"), v.GetString("country")),
	}
	if v.GetBool("fresh") {
		opts = append(opts, client.WithFresh())
	}
	if bin := v.GetString("spawn"); bin != "" {
		opts = append(opts, client.WithSpawn(client.SpawnCommand(bin,
			"--socket-dir", v.GetString("socket-dir"),
			"--socket-prefix", v.GetString("socket-prefix"),
			"--transport", v.GetString("transport"),
		)))
	}
	c, err := client.Dial(ctx, p, opts...)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, c, func() { c.Close(); cancel() }, nil
}

func newHelloCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "hello android|ios [name]",
		Short: "Check that the endpoint answers",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := platformArg(args)
			if err != nil {
				return err
			}
			name := "storerpc"
			if len(args) == 2 {
				name = args[1]
			}
			ctx, c, done, err := connect(cmd, v, p)
			if err != nil {
				return err
			}
			defer done()
			greeting, err := c.Hello(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), greeting)
			return nil
		},
	}
}

func newCallCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "call android|ios operation [json-query]",
		Short: "Run one lookup and print its JSON result",
		Example: `  storerpc call ios search '{"term":"maps","num":5}'
  storerpc call android app '{"appId":"com.example.maps"}'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := platformArg(args)
			if err != nil {
				return err
			}
			op := args[1]
			if !p.Supports(op) {
				return fmt.Errorf("%s has no %q operation, want one of %v", p, op, p.OperationNames())
			}
			q := query.Query{}
			if len(args) == 3 {
				dec := json.NewDecoder(strings.NewReader(args[2]))
				dec.UseNumber()
				if err := dec.Decode(&q); err != nil {
					return fmt.Errorf("query: %w", err)
				}
			}
			ctx, c, done, err := connect(cmd, v, p)
			if err != nil {
				return err
			}
			defer done()
			raw, err := c.Lookup(ctx, op, q)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, raw, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
}

func newMethodsCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "methods android|ios",
		Short: "List the methods the endpoint serves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := platformArg(args)
			if err != nil {
				return err
			}
			ctx, c, done, err := connect(cmd, v, p)
			if err != nil {
				return err
			}
			defer done()
			names, err := c.Methods(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newCleanCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "clean android|ios...",
		Short: "Remove socket files left behind by a crashed server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				p, err := provider.ParsePlatform(arg)
				if err != nil {
					return err
				}
				path := config.SocketPath(v.GetString("socket-dir"), v.GetString("socket-prefix"), p)
				if err := lifecycle.RemoveStale(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: clean\n", path)
			}
			return nil
		},
	}
}
