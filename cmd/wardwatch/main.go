// Command wardwatch follows a ward's live session from the terminal and
// drives the session lifecycle endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"wardsim/internal/auth"
	"wardsim/internal/client/cache"
	"wardsim/internal/client/channel"
	"wardsim/internal/client/provider"
	"wardsim/internal/client/restapi"
	"wardsim/internal/client/view"
	"wardsim/internal/config"
	"wardsim/internal/logging"
	"wardsim/internal/redisclient"
	"wardsim/pkg/protocol"
	"wardsim/pkg/types"
)

const usage = `usage: wardwatch [flags] <command>

commands:
  watch              follow the ward's session (default)
  start              start a session (--minutes, --assignments)
  end                end the ward's active session
  seed <ward.json>   create or replace a ward roster
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	minutes     int
	assignments string
}

func newFlagSet(opts *options) *pflag.FlagSet {
	d := config.DefaultClientConfig()
	fs := pflag.NewFlagSet("wardwatch", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.String("config", os.Getenv(config.EnvPrefix+"_CLIENT_CONFIG_FILE"), "path to a YAML, JSON or TOML config file")
	fs.String("client.server_url", d.ServerURL, "server base URL")
	fs.String("client.token", "", "bearer token")
	fs.String("client.ward_id", "", "ward to follow")
	fs.String("client.namespace", d.Namespace, "socket namespace: global or ward")
	fs.String("client.cache_backend", d.CacheBackend, "memory or redis")
	fs.String("client.redis.addr", d.Redis.Addr, "redis address for the redis cache backend")
	fs.String("client.log.level", d.Log.Level, "debug, info, warn or error")
	fs.IntVar(&opts.minutes, "minutes", 0, "session length for start; 0 is unlimited")
	fs.StringVar(&opts.assignments, "assignments", "", "JSON file with the zone assignments for start")
	return fs
}

// loadClientConfig applies flags > environment > file > defaults
func loadClientConfig(fs *pflag.FlagSet) (*config.ClientConfig, error) {
	config.LoadDotEnv()
	v := config.NewViper()
	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	if err := config.BindFlags(v, fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	return clientConfig(v)
}

func clientConfig(v *viper.Viper) (*config.ClientConfig, error) {
	cfg, err := config.ClientFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	if cfg.Token == "" {
		return nil, errors.New("a token is required (--client.token or WARDSIM_CLIENT_TOKEN)")
	}
	if cfg.WardID == "" {
		return nil, errors.New("a ward is required (--client.ward_id or WARDSIM_CLIENT_WARD_ID)")
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var opts options
	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadClientConfig(fs)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "wardwatch")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	rest := restapi.New(cfg.ServerURL, func() string { return cfg.Token }, cfg.FetchTimeout, logger)

	command := "watch"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}
	switch command {
	case "watch":
		return watch(ctx, cfg, rest, out, logger)
	case "start":
		return start(ctx, cfg, rest, opts, out)
	case "end":
		return end(ctx, cfg, rest, out)
	case "seed":
		if fs.NArg() < 2 {
			return errors.New("seed needs a ward JSON file")
		}
		return seed(ctx, cfg, rest, fs.Arg(1), out)
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

// newStore picks the cache slot backend
func newStore(cfg *config.ClientConfig) (cache.Store, func()) {
	if cfg.CacheBackend != config.CacheRedis {
		return cache.NewMemoryStore(), func() {}
	}
	client := redisclient.New(cfg.Redis)
	return cache.NewRedisStore(client), func() { _ = client.Close() }
}

func watch(ctx context.Context, cfg *config.ClientConfig, rest *restapi.Client, out io.Writer, logger *zap.Logger) error {
	who, err := auth.Inspect(cfg.Token)
	if err != nil {
		return fmt.Errorf("unreadable token: %w", err)
	}
	store, closeStore := newStore(cfg)
	defer closeStore()

	identity := channel.NewMemoryIdentity()
	identity.Set(channel.Identity{UserID: who.UserID, Role: who.Role, Email: who.Email, OrgID: who.OrgID, Token: cfg.Token})
	ch, err := channel.New(channel.Config{
		ServerURL: cfg.ServerURL,
		Namespace: protocol.ParseNamespace(cfg.Namespace),
		WardID:    cfg.WardID,
	}, identity, logger)
	if err != nil {
		return err
	}

	viewer := provider.Viewer{UserID: who.UserID, Role: who.Role, Email: who.Email, OrgID: who.OrgID}
	p := provider.New(viewer, ch, rest,
		provider.WithStore(store),
		provider.WithLogger(logger),
		provider.WithFetchTimeout(cfg.FetchTimeout),
		provider.WithTickInterval(cfg.TickInterval))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("channel stopped", zap.Error(err))
			cancel()
		}
	}()
	go func() { _ = p.Run(ctx) }()
	defer p.Close()

	scr := newScreen(view.NewLoader(rest, viewer, logger), out)
	updates := p.Subscribe()
	scr.show(ctx, p.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			scr.show(ctx, snap)
		}
	}
}

func start(ctx context.Context, cfg *config.ClientConfig, rest *restapi.Client, opts options, out io.Writer) error {
	d := types.Unlimited()
	if opts.minutes > 0 {
		d = types.Minutes(opts.minutes)
	}
	var assignments any
	if opts.assignments != "" {
		raw, err := os.ReadFile(opts.assignments)
		if err != nil {
			return fmt.Errorf("failed to read assignments: %w", err)
		}
		assignments = json.RawMessage(raw)
	}
	detail, err := rest.StartSession(ctx, cfg.WardID, d, assignments)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	_, err = fmt.Fprintf(out, "started session %s on ward %s\n", detail.Session.ID, cfg.WardID)
	return err
}

func end(ctx context.Context, cfg *config.ClientConfig, rest *restapi.Client, out io.Writer) error {
	detail, _, err := rest.ActiveSession(ctx, cfg.WardID)
	if err != nil {
		return fmt.Errorf("no active session on ward %s: %w", cfg.WardID, err)
	}
	if err := rest.EndSession(ctx, detail.Session.ID); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	_, err = fmt.Fprintf(out, "ended session %s\n", detail.Session.ID)
	return err
}

func seed(ctx context.Context, cfg *config.ClientConfig, rest *restapi.Client, path string, out io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read ward file: %w", err)
	}
	var ward types.Ward
	if err := json.Unmarshal(raw, &ward); err != nil {
		return fmt.Errorf("failed to parse ward file: %w", err)
	}
	if ward.ID == "" {
		ward.ID = cfg.WardID
	}
	if err := rest.UpsertWard(ctx, &ward); err != nil {
		return fmt.Errorf("failed to seed ward: %w", err)
	}
	_, err = fmt.Fprintf(out, "seeded ward %s with %d patients\n", ward.ID, len(ward.PatientIDs))
	return err
}
