// Package main is the kbase CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/cli"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &globalOptions{stdout: stdout, stderr: stderr}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	format, ferr := cli.ParseFormat(opts.output)
	if ferr != nil {
		format = cli.OutputText
	}
	cli.NewPrinter(stderr, format).Error(err)
	return exitCode(err)
}

// exitCode is 2 for bad input or configuration and 1 for everything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrInvalidArgument), errors.Is(err, apperr.ErrConfig), errors.Is(err, errUsage):
		return 2
	}
	return 1
}

var errUsage = errors.New("usage")

func newRootCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "kbase",
		Short:         "Document knowledge base with retrieval-augmented answers",
		Long:          "kbase extracts text from documents, splits it into overlapping chunks, embeds and stores them,\nand answers questions from the stored passages.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./kbase.yaml, then the user config dir)")
	pf.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	pf.StringVarP(&opts.output, "output", "o", string(cli.OutputText), "output format: text or json")

	root.AddCommand(
		addCmd(opts),
		askCmd(opts),
		insightsCmd(opts),
		generateTestsCmd(opts),
		listCmd(opts),
		statsCmd(opts),
		deleteCmd(opts),
		findCmd(opts),
		serveCmd(opts),
		watchCmd(opts),
		initCmd(opts),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kbase version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kbase version %s\n", version)
		},
	}
}

// withApp opens the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *globalOptions, oo openOptions, fn func(a *app) error) error {
	a, err := openApp(cmd.Context(), opts, oo)
	if err != nil {
		return err
	}
	err = fn(a)
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
