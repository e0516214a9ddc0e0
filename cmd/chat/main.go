/*
Package main is the foliochat terminal client.

It drives the same chat controller as the embedded widget: configuration comes from FOLIOCHAT_*
environment variables (and an optional .env file), the chatd backend is reached through the REST
adapter, and --memory swaps in the in-process backend for offline use. Without a usable
configuration the client opens the local demo chat.
*/
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"foliochat/internal/app/controller"
	"foliochat/internal/backend"
	"foliochat/internal/backend/memory"
	"foliochat/internal/backend/rest"
	"foliochat/internal/configs"
	"foliochat/internal/pkg/logx"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		envFile    string
		room       string
		url        string
		anonKey    string
		redirectTo string
		useMemory  bool
		readAnon   bool
	)

	cmd := &cobra.Command{
		Use:   "foliochat",
		Short: "Chat in a foliochat room from the terminal",
		Long: `Chat in a foliochat room from the terminal.

The server is read from FOLIOCHAT_URL and FOLIOCHAT_ANON_KEY. Type /help once connected for the
list of commands; any other line is sent as a message.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := configs.LoadDotEnv(envFile); err != nil {
					return err
				}
			}

			cfg, err := configs.LoadClientConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if cmd.Flags().Changed("room") {
				cfg.Room = room
			}
			if url != "" {
				cfg.URL = url
			}
			if anonKey != "" {
				cfg.AnonKey = anonKey
			}
			if cmd.Flags().Changed("read-signed-out") {
				cfg.ReadWhileSignedOut = readAnon
			}

			level := cfg.LogLevel
			if level == "" {
				level = "warn"
			}
			logx.InitGlobalLogger(logx.Options{Development: true, Level: level, Out: cmd.ErrOrStderr()})

			var client backend.Client
			switch {
			case useMemory:
				cfg.URL, cfg.AnonKey = "http://memory.local", "memory"
				client = memory.New()
			case cfg.Validate() == nil:
				opts := []rest.Option{rest.WithRedirectTo(redirectTo)}
				if cfg.SessionFile != "" {
					opts = append(opts, rest.WithTokenStore(&rest.FileTokenStore{Path: cfg.SessionFile}))
				}
				if client, err = rest.New(cfg, opts...); err != nil {
					return err
				}
			default:
				logx.Warn("No chat server configured; starting the demo chat.", "error", cfg.Validate())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl := controller.New(cfg, client)
			defer ctrl.Close()

			repl := newREPL(ctrl, client, cmd.InOrStdin(), cmd.OutOrStdout())
			defer repl.close()

			if err := ctrl.Start(ctx); err != nil {
				return err
			}

			return repl.run(ctx)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "load environment variables from this file first")
	cmd.Flags().StringVar(&room, "room", configs.DefaultRoom, "chat room to join")
	cmd.Flags().StringVar(&url, "url", "", "chat server URL (overrides FOLIOCHAT_URL)")
	cmd.Flags().StringVar(&anonKey, "anon-key", "", "anonymous API key (overrides FOLIOCHAT_ANON_KEY)")
	cmd.Flags().StringVar(&redirectTo, "redirect-to", "", "where magic links and OAuth logins send the browser")
	cmd.Flags().BoolVar(&useMemory, "memory", false, "use the in-process backend instead of a server")
	cmd.Flags().BoolVar(&readAnon, "read-signed-out", false, "show history and live messages before login")

	return cmd
}
