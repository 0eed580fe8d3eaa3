package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aitachi/envom/internal/config"
	wire "github.com/aitachi/envom/pkg/dispatch"
)

type clientFlags struct {
	addr    string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.addr, "addr", "a", config.DefaultListen, "dispatch server address")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Minute, "request timeout")
}

func (f *clientFlags) dial(cmd *cobra.Command) (*wire.Client, context.Context, context.CancelFunc, error) {
	client, err := wire.Dial(f.addr, 5*time.Second)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(background(cmd), f.timeout)
	return client, ctx, cancel, nil
}

func newToolsCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the capabilities a dispatch server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, cancel, err := flags.dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer func() { _ = client.Close() }()

			tools, err := client.ListTools(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPARAMETERS\tDESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", t.Name, len(t.Parameters), t.Description)
			}
			return tw.Flush()
		},
	}
	flags.register(cmd)
	return cmd
}

func newCallCmd() *cobra.Command {
	var (
		flags   clientFlags
		rawArgs string
	)
	cmd := &cobra.Command{
		Use:   "call <capability>",
		Short: "Invoke one capability and print the response envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var callArgs map[string]any
			if err := json.Unmarshal([]byte(rawArgs), &callArgs); err != nil {
				return fmt.Errorf("--args must be a JSON object: %w", err)
			}
			client, ctx, cancel, err := flags.dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer func() { _ = client.Close() }()

			resp, err := client.Call(ctx, args[0], callArgs)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !resp.Success {
				return errors.New(resp.ErrorText())
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "capability arguments as a JSON object")
	return cmd
}
