package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/lumen/internal/config"
	"github.com/harun/lumen/internal/daemon"
	"github.com/harun/lumen/pkg/bus"
	"github.com/harun/lumen/pkg/channels"
	"github.com/spf13/cobra"
)

var (
	chatSession string
	chatTimeout time.Duration
	chatRemote  bool
)

// runner answers one user message in a session.
type runner interface {
	ProcessDirect(ctx context.Context, sessionKey, content string) (string, error)
	Close() error
}

// newRunner is swapped in tests.
var newRunner = func(cfg *config.Config, remote bool) (runner, error) {
	if remote {
		return newRemoteRunner(cfg)
	}

	log, err := newLogger(cfg, logLevel != "")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	d, err := daemon.New(cfg, log)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return &localRunner{Daemon: d, closeLog: log.Close}, nil
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the agent",
	Long: `Talk to the agent in a session.

With a message argument, chat sends it, prints the reply and exits. Without
one it reads messages line by line from stdin until EOF or /exit.

By default the agent runs inside this process. With --remote the message is
published on the configured redis bus and answered by a running daemon.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "cli:default", "session key")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 5*time.Minute, "time to wait for each reply")
	chatCmd.Flags().BoolVar(&chatRemote, "remote", false, "send through the message bus to a running daemon")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	r, err := newRunner(cfg, chatRemote)
	if err != nil {
		return err
	}
	defer r.Close()

	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) > 0 {
		reply, err := ask(ctx, r, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, reply)
		return nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}

		reply, err := ask(ctx, r, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}

func ask(ctx context.Context, r runner, content string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()
	return r.ProcessDirect(ctx, chatSession, content)
}

// localRunner owns an unstarted daemon and its logger.
type localRunner struct {
	*daemon.Daemon
	closeLog func() error
}

func (r *localRunner) Close() error {
	err := r.Daemon.Close()
	if logErr := r.closeLog(); err == nil {
		err = logErr
	}
	return err
}

// remoteRunner talks to a daemon over the redis bus.
type remoteRunner struct {
	bus     bus.Bus
	channel *channels.DirectChannel
}

func newRemoteRunner(cfg *config.Config) (*remoteRunner, error) {
	if cfg.Bus.Driver != bus.DriverRedis {
		return nil, fmt.Errorf("--remote needs bus.driver %q, got %q", bus.DriverRedis, cfg.Bus.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := bus.NewRedisBus(ctx, bus.RedisOptions{
		Addr:            cfg.Bus.Redis.Addr,
		Password:        cfg.Bus.Redis.Password,
		DB:              cfg.Bus.Redis.DB,
		InboundKey:      cfg.Bus.Redis.InboundKey,
		OutboundChannel: cfg.Bus.Redis.OutboundChannel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}
	return newRemoteRunnerFromBus(b)
}

func newRemoteRunnerFromBus(b bus.Bus) (*remoteRunner, error) {
	ch := channels.NewDirectChannel(daemon.CLIChannel)
	if err := ch.Start(context.Background(), b); err != nil {
		_ = b.Close()
		return nil, err
	}
	return &remoteRunner{bus: b, channel: ch}, nil
}

func (r *remoteRunner) ProcessDirect(ctx context.Context, sessionKey, content string) (string, error) {
	reply, err := r.channel.Send(ctx, sessionKey, content)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("no reply from daemon (is `lumen serve` running?): %w", err)
		}
		return "", err
	}
	if reply.Failed() {
		return "", fmt.Errorf("%s", reply.Error)
	}
	return reply.Content, nil
}

func (r *remoteRunner) Close() error {
	_ = r.channel.Stop(context.Background())
	if err := r.bus.Close(); err != nil && !errors.Is(err, bus.ErrBusClosed) {
		return err
	}
	return nil
}
