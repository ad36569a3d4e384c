package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"layerguard/internal/detector"
	"layerguard/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

type globalFlags struct {
	logLevel  string
	logFormat string
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "layerguardctl",
		Short:         "Layer-wise adversarial and out-of-distribution detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format: text|json")

	root.AddCommand(
		newDetectCommand(g),
		newReportCommand(),
		newRunsCommand(),
		newExportCommand(),
		newCheckpointCommand(g),
		newSynthCommand(),
		newMethodsCommand(),
	)
	return root
}

func (g *globalFlags) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, model.Configf("invalid log level %q", g.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch g.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, model.Configf("invalid log format %q", g.logFormat)
	}
}

func methodList() string {
	names := make([]string, 0, len(detector.Methods()))
	for _, m := range detector.Methods() {
		names = append(names, string(m))
	}
	return strings.Join(names, "|")
}

func newMethodsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List the detection methods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, m := range detector.Methods() {
				extra := ""
				if m.NeedsAdversarialTrain() {
					extra = " (fits on adversarial train data)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", m, extra)
			}
			return nil
		},
	}
}
