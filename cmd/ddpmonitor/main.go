// Command ddpmonitor connects to a DDP server, subscribes to a named
// publication and prints the tracked collection's contents every time a
// live query sees a change — a thin runnable example over the ddp,
// collection, livequery and ddpcollection packages, mirroring
// original_source/examples/ddp_monitor.cpp. It carries no protocol
// logic of its own and is not part of the library's deliverable surface
// (spec.md §1).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ddpkit/ddp/collection"
	"github.com/ddpkit/ddp/ddp"
	"github.com/ddpkit/ddp/ddpcollection"
	"github.com/ddpkit/ddp/livequery"
)

const version = "0.1.1"

func main() {
	var (
		wsURL string
		showV bool
	)

	cmd := &cobra.Command{
		Use:   "ddpmonitor <name> [arg1] [arg2] ...",
		Short: "Subscribe to a DDP publication and print its tracked collection on every change",
		Args: func(cmd *cobra.Command, args []string) error {
			if showV {
				return nil
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showV {
				fmt.Println("ddp-monitor " + version)
				return nil
			}
			return run(cmd.Context(), wsURL, args[0], paramsFrom(args[1:]))
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&wsURL, "ws", "ws://localhost:3000/websocket", "connect to the given websocket url")
	cmd.Flags().BoolVar(&showV, "version", false, "display version information and exit")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func paramsFrom(args []string) []interface{} {
	params := make([]interface{}, len(args))
	for i, a := range args {
		params[i] = a
	}
	return params
}

func run(ctx context.Context, wsURL, name string, params []interface{}) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	transport := ddp.NewWebSocketTransport(wsURL, "", logger)
	session := ddp.New(transport, ddp.Options{Logger: logger})

	connected := make(chan string, 1)
	session.OnConnected(func(sessionID string) { connected <- sessionID })

	if err := session.Connect(ctx, ""); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	select {
	case <-connected:
	case <-ctx.Done():
		return ctx.Err()
	}

	store := collection.NewStore(name + ".ddpmonitor.db")
	coll, err := collection.New(name, collection.WithStore(store), collection.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open collection %q: %w", name, err)
	}
	defer coll.Close()

	bridge, err := ddpcollection.New(session, coll, params, logger, nil)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", name, err)
	}
	defer bridge.Close()

	select {
	case <-bridge.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	lq := livequery.New(collection.Document{}, coll, logger)
	defer lq.Close()

	printSnapshot(lq)
	lq.OnUpdated(func() { printSnapshot(lq) })

	<-ctx.Done()
	fmt.Println("disconnected")
	return nil
}

func printSnapshot(lq *livequery.LiveQuery) {
	fmt.Print("\033[H\033[2J")
	out, err := json.MarshalIndent(lq.Data(), "", "    ")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(out))
}
