package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-kustodio/v1/client"
	"github.com/mirkobrombin/go-kustodio/v1/handler"
)

var errNoLock = errors.New("no lock specified")

var clientVerbs = []string{"create", "remove", "lock", "unlock", "state", "list", "peers", "watch"}

func newClientCommand() *cobra.Command {
	var (
		server   string
		timeout  time.Duration
		capacity int
	)
	cmd := &cobra.Command{
		Use:       "client <create|remove|lock|unlock|state|list|peers|watch> [lock]",
		Short:     "Send a command to a node",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: clientVerbs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 1 {
				name = args[1]
			}
			ctx := cmd.Context()
			if args[0] != "watch" && timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return runClient(ctx, client.New(server), cmd.OutOrStdout(), args[0], name, capacity)
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", client.DefaultServer, "gateway URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout, ignored by watch")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "watch buffer size requested from the server")
	return cmd
}

func runClient(ctx context.Context, c *client.Client, out io.Writer, verb, name string, capacity int) error {
	needsLock := func() error {
		if name == "" {
			return errNoLock
		}
		return nil
	}
	switch verb {
	case "create":
		if err := needsLock(); err != nil {
			return err
		}
		if err := c.Create(ctx, name); err != nil {
			return err
		}
		fmt.Fprintln(out, "Created")
	case "remove", "lock", "unlock":
		if err := needsLock(); err != nil {
			return err
		}
		op := map[string]func(context.Context, string) error{
			"remove": c.Remove,
			"lock":   c.Lock,
			"unlock": c.Unlock,
		}[verb]
		if err := op(ctx, name); err != nil {
			return err
		}
		fmt.Fprintln(out, "Ok")
	case "state":
		if err := needsLock(); err != nil {
			return err
		}
		st, err := c.State(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, st.State)
	case "list":
		locks, err := c.List(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "List:")
		for _, l := range locks {
			fmt.Fprintf(out, "- %s: %s\n", l.Name, l.State)
		}
	case "peers":
		peers, err := c.Peers(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Peers:")
		for _, p := range peers {
			fmt.Fprintf(out, "- %s (seen %s)\n", p.Address, humanize.Time(p.LastSeen))
		}
	case "watch":
		fmt.Fprintln(out, "Watching stream of changes:")
		err := c.Watch(ctx, capacity, func(ev handler.Event) error {
			_, err := fmt.Fprintf(out, "\tLock: %s, State: %s\n", ev.Name, ev.Action)
			return err
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q, expected one of %v", verb, clientVerbs)
	}
	return nil
}
