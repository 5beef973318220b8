// Command client runs a chatsync session against a relay server and exposes
// it as a line-oriented console: conversation list, timelines and sending.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/logger"
	"chatsync/internal/media"
	"chatsync/internal/realtime"
	"chatsync/internal/remote"
	"chatsync/internal/security"
	"chatsync/internal/store/sqlite"
	"chatsync/internal/syncer"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithWriter(os.Stderr, cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.CacheDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cache")
	}
	defer db.Close()
	if err := sqlite.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate cache")
	}
	cache := sqlite.NewCache(db)

	transport, closeTransport, err := newTransport(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up realtime transport")
	}
	defer closeTransport()

	provider, err := security.NewStaticProvider(cfg.AccessToken)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid access token")
	}
	syncCfg := syncer.DefaultConfig()
	syncCfg.PageSize = cfg.PageSize
	syncCfg.SendTimeout = cfg.SendTimeout
	syncCfg.RetryInitial = cfg.RetryInitial
	syncCfg.RetryMax = cfg.RetryMax
	syncCfg.CacheMaxAge = cfg.CacheMaxAge

	factory := func(session domain.Session) (*syncer.Coordinator, error) {
		uploader, err := newUploader(ctx, cfg, session)
		if err != nil {
			return nil, err
		}
		return syncer.New(session,
			remote.New(cfg.APIURL, session.Token),
			realtime.NewClient(transport, session, realtime.WithLogger(log)),
			syncer.WithConfig(syncCfg),
			syncer.WithCache(cache),
			syncer.WithUploader(uploader),
			syncer.WithLogger(log),
		), nil
	}
	sup := syncer.NewSupervisor(provider, factory, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return watch(ctx, sup, log) })
	// The console blocks on stdin, so it only ends the session, never waits for it.
	go func() {
		if err := console(ctx, os.Stdin, os.Stdout, sup); err != nil {
			log.Error().Err(err).Msg("console stopped")
		}
		stop()
	}()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("session stopped")
		os.Exit(1)
	}
}

// newTransport reads change events from Redis when REDIS_URL is set and from
// the relay's websocket endpoint otherwise.
func newTransport(ctx context.Context, cfg *config.ClientConfig) (realtime.Transport, func(), error) {
	if cfg.RedisURL == "" {
		return realtime.NewWebSocketTransport(cfg.WSURL), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return realtime.NewRedisTransport(client), func() { client.Close() }, nil
}

func newUploader(ctx context.Context, cfg *config.ClientConfig, session domain.Session) (media.Uploader, error) {
	if !cfg.S3Config.Enabled() {
		return &media.HTTPUploader{BaseURL: cfg.APIURL, Token: session.Token}, nil
	}
	s3, err := media.NewS3Storage(ctx, media.S3Options{
		Bucket:    cfg.S3Config.Bucket,
		Region:    cfg.S3Config.Region,
		Endpoint:  cfg.S3Config.Endpoint,
		AccessKey: cfg.S3Config.AccessKey,
		SecretKey: cfg.S3Config.SecretKey,
		PublicURL: cfg.S3Config.PublicURL,
	})
	if err != nil {
		return nil, err
	}
	return &media.StorageUploader{Storage: s3}, nil
}

// watch logs the updates of whichever coordinator is current.
func watch(ctx context.Context, sup *syncer.Supervisor, log zerolog.Logger) error {
	var seen *syncer.Coordinator
	for {
		coord, ok := sup.Current()
		if !ok || coord == seen {
			select {
			case <-ctx.Done():
				return nil
			case <-sup.Changed():
			}
			continue
		}
		seen = coord
		updates := coord.Updates()
	drain:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sup.Changed():
				break drain
			case u, ok := <-updates:
				if !ok {
					break drain
				}
				switch u.Kind {
				case syncer.UpdateState:
					log.Info().Str("state", coord.State().String()).Msg("connection state changed")
				case syncer.UpdateReset:
					log.Warn().Msg("session state was reset")
				case syncer.UpdateConversations:
					log.Debug().Msg("conversations changed")
				case syncer.UpdateMessages:
					log.Debug().Str("conversation_id", u.ConversationID).Msg("messages changed")
				}
			}
		}
	}
}

func console(ctx context.Context, in io.Reader, out io.Writer, sup *syncer.Supervisor) error {
	sc := bufio.NewScanner(in)
	// Oldest loaded position per conversation, for "older".
	cursors := map[string]domain.Cursor{}
	fmt.Fprintln(out, "commands: convs | open <conv> | older <conv> | send <conv> <text> | media <conv> <kind> <path> | retry <conv> <local-id> | new <user>[,<user>...] [name] | quit")
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" {
			return nil
		}
		coord, ok := sup.Current()
		if !ok {
			fmt.Fprintln(out, "signed out")
			continue
		}
		if err := run(ctx, out, coord, cursors, fields); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

func run(ctx context.Context, out io.Writer, coord *syncer.Coordinator, cursors map[string]domain.Cursor, fields []string) error {
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "convs":
		convs, err := coord.LoadConversations(ctx)
		if err != nil && len(convs) == 0 {
			return err
		}
		for _, c := range convs {
			printConversation(out, coord.Session().UserID, c)
		}
		return err
	case "open":
		page, err := coord.OpenConversation(ctx, arg(1))
		if err != nil {
			return err
		}
		cursors[arg(1)] = page.Next
		printPage(out, page.Messages)
	case "older":
		cursor, ok := cursors[arg(1)]
		if !ok || cursor.IsZero() {
			return fmt.Errorf("nothing older in %q, open it first: %w", arg(1), domain.ErrInvalidArgument)
		}
		page, err := coord.LoadOlder(ctx, arg(1), cursor)
		if err != nil {
			return err
		}
		if page.HasMore {
			cursors[arg(1)] = page.Next
		} else {
			delete(cursors, arg(1))
		}
		printPage(out, page.Messages)
	case "send":
		if len(fields) < 3 {
			return fmt.Errorf("usage: send <conv> <text>: %w", domain.ErrInvalidArgument)
		}
		msg, err := coord.Send(ctx, arg(1), strings.Join(fields[2:], " "), domain.KindText)
		if err != nil {
			return err
		}
		printPage(out, []domain.Message{msg})
	case "media":
		msg, err := coord.Send(ctx, arg(1), arg(3), domain.Kind(arg(2)))
		if err != nil {
			return err
		}
		printPage(out, []domain.Message{msg})
	case "retry":
		msg, err := coord.Retry(ctx, arg(1), arg(2))
		if err != nil {
			return err
		}
		printPage(out, []domain.Message{msg})
	case "new":
		in := domain.NewConversation{MemberIDs: strings.Split(arg(1), ",")}
		if name := strings.Join(fields[min(2, len(fields)):], " "); name != "" {
			in.Name = &name
		}
		in.IsGroup = len(in.MemberIDs) > 1 || in.Name != nil
		conv, err := coord.CreateConversation(ctx, in)
		if err != nil {
			return err
		}
		printConversation(out, coord.Session().UserID, conv)
	default:
		return fmt.Errorf("unknown command %q: %w", fields[0], domain.ErrInvalidArgument)
	}
	return nil
}

func printConversation(out io.Writer, viewerID string, c domain.Conversation) {
	title := c.Peer(viewerID)
	if c.Name != nil {
		title = *c.Name
	}
	line := fmt.Sprintf("%s  %-20s unread=%d", c.ID, title, c.UnreadCount)
	if c.LastMessage != nil {
		line += fmt.Sprintf("  %s: %s", c.LastMessage.SenderID, c.LastMessage.Content)
	}
	fmt.Fprintln(out, line)
}

// printPage prints messages oldest first.
func printPage(out io.Writer, msgs []domain.Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		id := m.ID.Value
		if m.ID.IsProvisional() {
			id = "~" + id
		}
		state := m.Status.String()
		if m.SendState != domain.SendConfirmed {
			state = string(m.SendState)
		}
		fmt.Fprintf(out, "%s %s [%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), id, state, m.SenderID, m.Content)
	}
}
