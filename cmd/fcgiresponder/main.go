// Command fcgiresponder is a minimal demonstration of embedding the
// responder package: it listens for FastCGI connections and answers
// GET /ping with pong, 404 otherwise. It exists to exercise
// responder.Listen end-to-end, not as a general-purpose FastCGI
// application server; routing, TLS, and everything else an embedder
// would normally bring stays out of scope, per spec.md's Non-goals.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/fcgigo/responder/request"
	"github.com/fcgigo/responder/responder"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fcgiresponder",
		Short: "A minimal FastCGI responder demo",
		Long: `fcgiresponder is a small demonstration binary built on the
github.com/fcgigo/responder library. It answers GET /ping on FastCGI's
SCRIPT_NAME/REQUEST_METHOD parameters and 404s everything else; it is
a stand-in for a real application process, not a general-purpose
server.`,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		network     string
		address     string
		maxConns    int
		maxReqs     int
		development bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Listen for FastCGI connections and serve the demo handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(development)
			if err != nil {
				return fmt.Errorf("fcgiresponder: building logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			// Match the container's CPU and memory quota rather than the
			// host's, the way a process deployed under cgroups expects.
			undo, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof))
			defer undo()
			if err != nil {
				log.Warn("failed to set GOMAXPROCS", zap.Error(err))
			}
			_, _ = memlimit.SetGoMemLimitWithOpts(
				memlimit.WithLogger(slog.New(zapslog.NewHandler(log.Core()))),
				memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
			)

			ln, err := net.Listen(network, address)
			if err != nil {
				return fmt.Errorf("fcgiresponder: listening on %s/%s: %w", network, address, err)
			}
			log.Info("listening", zap.String("network", network), zap.String("address", ln.Addr().String()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := responder.Config{MaxConns: maxConns, MaxReqs: maxReqs}
			opts := []responder.Option{
				responder.WithLogger(log),
				responder.WithConfig(cfg),
				responder.WithMetrics(responder.NewNopMetrics()),
			}
			return responder.Listen(ctx, ln, pingHandler, maxConns, opts...)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&network, "network", "tcp", `transport network: "tcp", "tcp4", "tcp6", or "unix"`)
	flags.StringVar(&address, "address", "127.0.0.1:9000", "address to listen on (a socket path when --network=unix)")
	flags.IntVar(&maxConns, "max-conns", 10, "value reported for FCGI_MAX_CONNS, and the cap on concurrently served connections")
	flags.IntVar(&maxReqs, "max-reqs", 10, "value reported for FCGI_MAX_REQS, and the cap on concurrent requests per connection")
	flags.BoolVar(&development, "development", false, "use zap's development logger config instead of production")

	return cmd
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// pingHandler answers GET /ping with "pong" and everything else with a
// 404-shaped CGI response, reading SCRIPT_NAME/REQUEST_METHOD the way a
// real web server would set them for a FastCGI responder.
func pingHandler(ctx context.Context, req *request.Request) (request.Result, error) {
	method, _ := req.ParamString("REQUEST_METHOD")
	path, _ := req.ParamString("SCRIPT_NAME")

	if method == "GET" && path == "/ping" {
		if _, err := req.Stdout([]byte("Status: 200 OK\r\nContent-Type: text/plain\r\n\r\npong")); err != nil {
			return request.Result{}, err
		}
		return request.Complete(0), nil
	}

	if _, err := req.Stdout([]byte("Status: 404 Not Found\r\nContent-Type: text/plain\r\n\r\nnot found")); err != nil {
		return request.Result{}, err
	}
	return request.Complete(0), nil
}
