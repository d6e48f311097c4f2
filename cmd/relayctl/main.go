// Command relayctl connects to a relay and either issues one command as a
// controller or listens as a producer and prints every forwarded command.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cmcscbl/chef-td-relay/internal/adapter/relayclient"
	"github.com/cmcscbl/chef-td-relay/internal/domain"
	"github.com/cmcscbl/chef-td-relay/internal/platform/logging"
	"github.com/cmcscbl/chef-td-relay/internal/platform/retry"
	"github.com/cmcscbl/chef-td-relay/internal/platform/version"
)

const helloTimeout = 10 * time.Second

// fieldFlags collects repeated -field key=value flags. Values that parse as
// JSON keep their type, anything else is sent as a string.
type fieldFlags map[string]any

func (f fieldFlags) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (f fieldFlags) Set(value string) error {
	key, raw, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return fmt.Errorf("field must be key=value, got %q", value)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		decoded = raw
	}
	f[key] = decoded
	return nil
}

type options struct {
	url     string
	token   string
	command string
	listen  bool
	fields  fieldFlags
}

func main() {
	opts := options{fields: fieldFlags{}}
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "Relay WebSocket URL")
	flag.StringVar(&opts.token, "token", os.Getenv("WS_SHARED_TOKEN"), "Shared token (or set WS_SHARED_TOKEN env)")
	flag.StringVar(&opts.command, "command", "", "Command to send: start or stop")
	flag.BoolVar(&opts.listen, "listen", false, "Identify as producer and print forwarded commands")
	flag.Var(opts.fields, "field", "Extra field key=value (repeatable)")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.token == "" {
		return errors.New("token required (-token or WS_SHARED_TOKEN env)")
	}
	name := domain.CommandName(opts.command)
	if !opts.listen && !name.IsRelayed() {
		return fmt.Errorf("-command must be start or stop, got %q", opts.command)
	}

	policy := retry.DefaultPolicy()
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Dial failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}

	if opts.listen {
		return relayclient.Listen(ctx, relayclient.ListenConfig{
			URL:    opts.url,
			Token:  opts.token,
			Policy: policy,
		}, func(raw []byte) { fmt.Println(string(raw)) })
	}

	client, err := relayclient.Dial(ctx, opts.url, opts.token, policy)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.url, err)
	}
	defer func() { _ = client.Close() }()

	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	if err := client.Identify(helloCtx, domain.RoleController); err != nil {
		return fmt.Errorf("identify as %s: %w", domain.RoleController, err)
	}

	if err := client.Send(name, opts.fields); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	slog.Info("Command sent", "command", string(name), "fields", opts.fields.String())
	return nil
}
