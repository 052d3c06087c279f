// commands.go: modctl command tree
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	modloader "github.com/agilira/go-modloader"
)

type globalOptions struct {
	verbose   bool
	portDir   string
	pid       int
	address   string
	useGRPC   bool
	timeout   time.Duration
	jsonLines bool
}

// controlClient is satisfied by both the msgpack and the gRPC clients.
type controlClient interface {
	GetLoadedMods(ctx context.Context) ([]modloader.ModInfo, error)
	LoadMod(ctx context.Context, modID string) error
	UnloadMod(ctx context.Context, modID string) error
	SuspendMod(ctx context.Context, modID string) error
	ResumeMod(ctx context.Context, modID string) error
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "modctl",
		Short:         "Run a mod host or control the mods of a running one",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&opts.portDir, "port-dir", modloader.DefaultPortRecordDirectory(), "directory holding port records")
	flags.IntVar(&opts.pid, "pid", 0, "process id of the host to control")
	flags.StringVar(&opts.address, "address", "", "control address, instead of discovering it from --pid")
	flags.BoolVar(&opts.useGRPC, "grpc", false, "use the gRPC control service at --address")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")

	root.AddCommand(
		newServeCommand(opts),
		newListCommand(opts),
		newModCommand(opts, "load", "Load a mod and its dependencies", controlClient.LoadMod),
		newModCommand(opts, "unload", "Unload a mod", controlClient.UnloadMod),
		newModCommand(opts, "suspend", "Suspend a mod", controlClient.SuspendMod),
		newModCommand(opts, "resume", "Resume a suspended mod", controlClient.ResumeMod),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	var (
		configPath  string
		executable  string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load mods for an application and serve control requests until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newCharmLogger(cmd.ErrOrStderr(), opts.verbose)

			config := modloader.DefaultLoaderConfig()
			if configPath != "" {
				loaded, err := modloader.LoadLoaderConfig(configPath)
				if err != nil {
					return err
				}
				config = loaded
			} else if err := modloader.ApplyEnvOverrides(&config); err != nil {
				return err
			}
			if cmd.Flags().Changed("port-dir") {
				config.PortRecordDirectory = opts.portDir
			}

			loaderOpts := []modloader.LoaderOption{modloader.WithLoaderLogger(logger)}
			if executable != "" {
				loaderOpts = append(loaderOpts, modloader.WithExecutablePath(func() (string, error) {
					return executable, nil
				}))
			}

			var registry *prometheus.Registry
			if metricsAddr != "" {
				registry = prometheus.NewRegistry()
				loaderOpts = append(loaderOpts, modloader.WithMetricsRegisterer(registry))
			}

			loader, err := modloader.NewLoader(config, loaderOpts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if registry != nil {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("Metrics server failed", "error", err)
					}
				}()
				defer func() { _ = srv.Close() }()
			}

			runErr := loader.Run(ctx)
			if runErr == nil {
				logger.Info("Mod host ready", "control", loader.ControlAddress(), "pid", os.Getpid())
				<-ctx.Done()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := loader.Close(shutdownCtx); err != nil && runErr == nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "loader configuration file (json or yaml)")
	cmd.Flags().StringVar(&executable, "exe", "", "executable path to match application manifests against")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func newListCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the mods loaded in a host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			client, closeFn, err := dial(ctx, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			mods, err := client.GetLoadedMods(ctx)
			if err != nil {
				return err
			}
			return printMods(cmd.OutOrStdout(), mods, opts.jsonLines)
		},
	}
	cmd.Flags().BoolVar(&opts.jsonLines, "json", false, "print one JSON object per mod")
	return cmd
}

func newModCommand(opts *globalOptions, name, short string, op func(controlClient, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <mod-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			client, closeFn, err := dial(ctx, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := op(client, ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", args[0], name)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the loader version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), modloader.LoaderVersion)
		},
	}
}

func dial(ctx context.Context, opts *globalOptions) (controlClient, func(), error) {
	if opts.useGRPC {
		if opts.address == "" {
			return nil, nil, errors.New("--grpc requires --address")
		}
		conn, err := grpc.NewClient(opts.address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, err
		}
		return modloader.NewControlGRPCClient(conn), func() { _ = conn.Close() }, nil
	}

	var (
		client *modloader.ControlClient
		err    error
	)
	switch {
	case opts.address != "":
		client, err = modloader.DialControl(ctx, opts.address)
	case opts.pid > 0:
		client, err = modloader.DialControlForProcess(ctx, opts.portDir, opts.pid, 0)
	default:
		return nil, nil, errors.New("either --pid or --address is required")
	}
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

func printMods(w io.Writer, mods []modloader.ModInfo, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, m := range mods {
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MOD\tSTATE\tSUSPEND\tUNLOAD")
	for _, m := range mods {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", m.ModID, m.State, m.CanSuspend, m.CanUnload)
	}
	return tw.Flush()
}
