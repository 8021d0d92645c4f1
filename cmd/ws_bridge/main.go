// Command ws_bridge exposes a stdio agent, normally `axon --acp`, to
// browser clients over a WebSocket. Every connection gets its own
// subprocess.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/m4xw311/axon/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr     string
		path     string
		origins  []string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:     "ws_bridge [flags] -- command [args...]",
		Short:   "Bridge a WebSocket to a stdio JSON-RPC agent",
		Example: "  ws_bridge --addr :8080 -- axon --acp",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Configure(logging.Level(logLevel), os.Stderr)
			b := &bridge{command: args, allowedOrigins: origins}
			mux := http.NewServeMux()
			mux.Handle(path, b)
			fmt.Fprintf(cmd.OutOrStdout(), "WebSocket server running on ws://%s%s\n", displayAddr(addr), path)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "listen address")
	cmd.Flags().StringVar(&path, "path", "/ws", "WebSocket endpoint path")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "allowed Origin headers (default: any)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	return cmd
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
