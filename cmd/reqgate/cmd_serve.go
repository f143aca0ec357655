package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/reqgate/pkg/api"
	"github.com/jingkaihe/reqgate/pkg/proxy"
	"github.com/jingkaihe/reqgate/pkg/rpc"
	"github.com/jingkaihe/reqgate/pkg/rules"
	"github.com/jingkaihe/reqgate/pkg/webrequest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the interception proxy",
	Long: `Run the interception proxy.

Declarative rules (--rules) bind fixed verdicts to lifecycle stages:

  {"rules": [
    {"name": "no-tracking", "stage": "before_request",
     "urls": ["*://tracking.example.com/*"], "action": "cancel"},
    {"name": "strip-cookies", "stage": "before_send_headers",
     "action": "delete_headers", "delete_headers": ["Cookie"]}
  ]}

With --rpc, an external process drives decisions over stdio JSON-RPC
instead: it sends "listen" requests and answers "decision" notifications
with "resolve".`,
	Example: `  reqgate serve --listen 127.0.0.1:8080 --rules rules.json --events
  reqgate serve --listen 127.0.0.1:8080 --rpc`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:8080", "Proxy listen address")
	serveCmd.Flags().String("rules", "", "Path to declarative rules JSON")
	serveCmd.Flags().Bool("events", false, "Print interception events as JSON lines")
	serveCmd.Flags().Bool("rpc", false, "Drive decisions over stdio JSON-RPC")

	viper.BindPFlag("serve.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("serve.rules", serveCmd.Flags().Lookup("rules"))
	viper.BindPFlag("serve.events", serveCmd.Flags().Lookup("events"))
	viper.BindPFlag("serve.rpc", serveCmd.Flags().Lookup("rpc"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	rulesPath, _ := cmd.Flags().GetString("rules")
	printEvents, _ := cmd.Flags().GetBool("events")
	rpcMode, _ := cmd.Flags().GetBool("rpc")

	var cfg *api.InterceptConfig
	if rulesPath != "" {
		data, err := os.ReadFile(rulesPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReadRules, err)
		}
		cfg, err = api.ParseInterceptConfig(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrParseRules, err)
		}
	}

	store := webrequest.NewStore()
	events := make(chan api.Event, api.DefaultEventBuffer)

	p, err := proxy.New(&proxy.Config{
		ListenAddr: listen,
		Store:      store,
		Events:     events,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCreateProxy, err)
	}

	registry := p.Registry()
	if cfg != nil {
		if err := rules.Apply(registry, cfg, events); err != nil {
			p.Close()
			return fmt.Errorf("%w: %v", ErrApplyRules, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bridge *rpc.Bridge
	if rpcMode {
		bridge = rpc.NewBridge(registry, os.Stdin, os.Stdout)
		go bridge.Run(ctx)
	}

	// In RPC mode stdout belongs to the protocol; event printing moves to
	// stderr.
	if printEvents || rpcMode {
		out := os.Stdout
		if rpcMode {
			out = os.Stderr
		}
		go func() {
			enc := json.NewEncoder(out)
			for ev := range events {
				enc.Encode(ev)
			}
		}()
	}

	p.Start()
	fmt.Fprintf(os.Stderr, "reqgate listening on %s\n", p.Addr())

	<-ctx.Done()

	if bridge != nil {
		bridge.Close()
	}
	if err := p.Close(); err != nil && err != api.ErrProxyClosed {
		return fmt.Errorf("%w: %v", ErrCloseProxy, err)
	}
	close(events)
	return nil
}
