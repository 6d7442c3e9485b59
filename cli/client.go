package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	client "github.com/zot/livequery/lib/go"
	"github.com/zot/livequery/lib/go/store"
)

// clientFlags are shared by the client commands.
type clientFlags struct {
	url     string
	token   string
	timeout time.Duration
	cache   string
	count   int
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "ws://localhost:8080/ws", "Server WebSocket URL")
	cmd.Flags().StringVar(&f.token, "token", "", "Bearer credential")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Request timeout")
	cmd.Flags().StringVar(&f.cache, "cache", "", "Persistent value cache: SQLite file or postgres:// URL")
}

// connect returns a connected client and the function that closes it.
func (f *clientFlags) connect(ctx context.Context) (*client.Client, func(), error) {
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}
	opts := client.Options{Resolver: client.StaticURL(f.url), Header: header}
	if f.cache != "" {
		st, err := store.Open(f.cache)
		if err != nil {
			return nil, nil, fmt.Errorf("open cache: %w", err)
		}
		opts.Store = st
	}
	c := client.New(opts)
	closeAll := func() {
		c.Close()
		if opts.Store != nil {
			opts.Store.Close()
		}
	}
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := c.Connect(cctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("connect %s: %w", f.url, err)
	}
	return c, closeAll, nil
}

// payloadArg reads the optional JSON payload argument.
func payloadArg(args []string) (json.RawMessage, error) {
	if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
		return nil, nil
	}
	if !json.Valid([]byte(args[1])) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", args[1])
	}
	return json.RawMessage(args[1]), nil
}

func newClientCommands() []*cobra.Command {
	return []*cobra.Command{newCallCommand(), newGetCommand(), newObserveCommand()}
}

func newCallCommand() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "call <function> [payload]",
		Short: "Call a function and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(args)
			if err != nil {
				return err
			}
			c, done, err := f.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			out, err := c.Call(ctx, args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func newGetCommand() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "get <observable> [payload]",
		Short: "Print the current value of an observable query",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(args)
			if err != nil {
				return err
			}
			c, done, err := f.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			out, err := c.Get(ctx, args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func newObserveCommand() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "observe <observable> [payload]",
		Short: "Print every value of an observable query until interrupted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			c, done, err := f.connect(ctx)
			if err != nil {
				return err
			}
			defer done()

			values := make(chan json.RawMessage, 16)
			failed := make(chan error, 1)
			dispose, err := c.Observe(args[0], payload, func(v json.RawMessage, err error) {
				if err != nil {
					failed <- err
					return
				}
				values <- v
			})
			if err != nil {
				return err
			}
			defer dispose()

			for seen := 0; f.count == 0 || seen < f.count; seen++ {
				select {
				case v := <-values:
					fmt.Fprintln(cmd.OutOrStdout(), string(v))
				case err := <-failed:
					return err
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().IntVar(&f.count, "count", 0, "Exit after this many values (0 = run until interrupted)")
	return cmd
}
