package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8080"

// AddClientFlags registers the flags shared by the API client commands.
func AddClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("addr", defaultAddr, "petalpoll server address")
}

func clientFromCmd(cmd *cobra.Command) (*client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = defaultAddr
	}
	c, err := newClient(addr)
	if err != nil {
		return nil, exitError(exitUsage, "%v", err)
	}
	return c, nil
}

// NewPublishCmd creates the "publish" subcommand.
func NewPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <subject> [payload]",
		Short: "Publish a text event (reads stdin when payload is omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			payload, err := payloadArg(cmd, args)
			if err != nil {
				return exitError(exitUsage, "reading payload: %v", err)
			}
			n, err := c.publish(cmd.Context(), args[0], payload)
			if err != nil {
				return exitFor(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d listener(s)\n", n)
			return nil
		},
	}
}

func payloadArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}

// NewPullCmd creates the "pull" subcommand.
func NewPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <subject>",
		Short: "Wait for the next event on a subject or session",
		Args:  cobra.ExactArgs(1),
		RunE:  runPull,
	}
	cmd.Flags().String("session", "", "Session id returned by subscribe")
	cmd.Flags().Duration("wait", -1, "How long to wait (default: server setting, 0: buffered only)")
	cmd.Flags().BoolP("follow", "f", false, "Keep pulling and print every event")
	return cmd
}

func runPull(cmd *cobra.Command, args []string) error {
	c, err := clientFromCmd(cmd)
	if err != nil {
		return err
	}
	session, _ := cmd.Flags().GetString("session")
	wait, _ := cmd.Flags().GetDuration("wait")
	follow, _ := cmd.Flags().GetBool("follow")
	out := cmd.OutOrStdout()

	for {
		event, err := c.pull(cmd.Context(), args[0], session, wait)
		switch {
		case err == nil:
			fmt.Fprintln(out, event)
		case follow && errors.Is(err, errNoEvent):
		case follow && cmd.Context().Err() != nil:
			return nil
		default:
			return exitFor(err)
		}
		if !follow {
			return nil
		}
	}
}

// NewSubscribeCmd creates the "subscribe" subcommand.
func NewSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <subject>",
		Short: "Create a session and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			id, err := c.subscribe(cmd.Context(), args[0])
			if err != nil {
				return exitFor(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

// NewUnsubscribeCmd creates the "unsubscribe" subcommand.
func NewUnsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <subject> <session>",
		Short: "Remove a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			return exitFor(c.unsubscribe(cmd.Context(), args[0], args[1]))
		},
	}
}

// NewUnbindCmd creates the "unbind" subcommand.
func NewUnbindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unbind <subject>",
		Short: "Release a subject's shared log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			return exitFor(c.unbind(cmd.Context(), args[0]))
		},
	}
}
