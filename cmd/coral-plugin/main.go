// coral-plugin manages the shell's plugin registry from the command
// line: registering plugin executables, removing them, and listing what
// is registered.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/coralshell/coral/host"
	"github.com/spf13/cobra"
)

var (
	configPath string
	shellArgs  []string
	verbose    bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coral-plugin",
		Short:         "Manage coral shell plugins",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the coral config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	add := &cobra.Command{
		Use:   "add <executable>",
		Short: "Register a plugin executable and record its commands",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdd,
	}
	add.Flags().StringSliceVar(&shellArgs, "shell", nil, "interpreter to launch the plugin with (e.g. python3)")

	remove := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Unregister a plugin by name",
		Args:    cobra.ExactArgs(1),
		RunE:    runRemove,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered plugins and their commands",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	root.AddCommand(add, remove, list)
	return root
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openRegistry() (*host.Registry, error) {
	cfg, err := host.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	reg := host.NewRegistry(host.NewLocalEngineProvider(cfg), cfg, newLogger())
	if err := reg.LoadFile(); err != nil {
		return nil, err
	}
	return reg, nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	entry, err := reg.AddPlugin(args[0], shellArgs)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (version %s) with %d command(s)\n",
		entry.Name, entry.Version, len(entry.Signatures))
	for _, sig := range entry.Signatures {
		fmt.Printf("  %s  %s\n", sig.Name, sig.Description)
	}
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	if err := reg.RemovePlugin(args[0]); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	entries := reg.Entries()
	if len(entries) == 0 {
		fmt.Println("no plugins registered")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("%s\t%s\t%s\n", entry.Name, entry.Version, entry.Filename)
		for _, sig := range entry.Signatures {
			fmt.Printf("  %s\t%s\n", sig.Name, sig.Description)
		}
	}
	return nil
}
