package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := &command{global: globalFlags, out: out}

	root := createRootCommand(cmd, globalFlags)
	root.AddCommand(
		createServeCommand(cmd),
		createStatusCommand(cmd),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createSendCommand(cmd),
		createUsageCommand(cmd),
		createRuntimesCommand(cmd),
		createVersionCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "blockvisor",
		Short: "Supervisor for block game servers",
		Long: `Blockvisor runs every server directory under its base path as a child
process, samples resource usage and streams state to connected observers.

Examples:
  blockvisor serve --config=blockvisor.toml
  blockvisor status
  blockvisor start --name=lobby
  blockvisor start --name=lobby --offline   # write the start sentinel, no daemon needed
  blockvisor send --name=lobby --command="say restarting soon"`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			c.teardown()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML/YAML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default derived from server.listen and server.base_path)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", defaultAPITimeout, "request timeout")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for a TLS daemon")
	return root
}

func createServeCommand(c *command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		Long: `Discover the server directories, autostart servers, sample usage and serve
the API until SIGINT or SIGTERM, then stop every server before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Root, "root", "", "directory holding .env and settings.properties (default: working directory)")
	cmd.Flags().StringVar(&flags.ServersDir, "servers-dir", "", "server directory, overriding every other source")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "API listen address, overriding server.listen")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long: `Without --name lists every server with its status; with --name prints the
full state of one server, properties and usage history included.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "server name")
	return cmd
}

func createStartCommand(c *command) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a server",
		Long: `Start a server through the daemon and wait for the start to settle.
With --offline the start sentinel is written into the server directory instead;
a running daemon picks it up, otherwise it is handled at the next boot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "server name (required)")
	cmd.Flags().BoolVar(&flags.Offline, "offline", false, "write the start sentinel file instead of calling the daemon")
	cmd.Flags().StringVar(&flags.Root, "root", "", "directory holding .env and settings.properties, for --offline")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "server name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createSendCommand(c *command) *cobra.Command {
	flags := &SendFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Write a console command to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Send(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "server name (required)")
	cmd.Flags().StringVar(&flags.Command, "command", "", "console line (required)")
	for _, f := range []string{"name", "command"} {
		if err := cmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}
	return cmd
}

func createUsageCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show the supervisor's own usage history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Usage(cmd.Context())
		},
	}
}

func createRuntimesCommand(c *command) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "runtimes",
		Short: "List Java runtimes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Runtimes(cmd.Context(), local)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "scan this host instead of asking the daemon")
	return cmd
}

func createVersionCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and daemon versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Version(cmd.Context())
		},
	}
}
