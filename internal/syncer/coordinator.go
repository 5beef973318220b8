// Package syncer orchestrates a sync session: the initial snapshot, the
// serial event pipeline, sends, and reconciliation after reconnects.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatsync/internal/aggregate"
	"chatsync/internal/delivery"
	"chatsync/internal/domain"
	"chatsync/internal/media"
	"chatsync/internal/realtime"
	"chatsync/internal/timeline"
)

const keyConversations = "conversations"

// Stream is the event stream of a session, usually a *realtime.Client.
type Stream interface {
	Run(ctx context.Context) error
	Updates() <-chan realtime.Update
}

// Config tunes a coordinator.
type Config struct {
	PageSize             int
	ConversationPageSize int
	// SendTimeout bounds a send including its transient retries.
	SendTimeout  time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	// RecountInterval is the period of the unread recount of the active
	// conversation. Zero disables it.
	RecountInterval time.Duration
	// CacheMaxAge is how old cached state may be to be shown after a failed load.
	CacheMaxAge  time.Duration
	PendingLimit int
	// BacklogLimit bounds the events held while a snapshot is being taken.
	BacklogLimit int
}

func DefaultConfig() Config {
	return Config{
		PageSize:             50,
		ConversationPageSize: 100,
		SendTimeout:          30 * time.Second,
		RetryInitial:         250 * time.Millisecond,
		RetryMax:             5 * time.Second,
		RecountInterval:      time.Minute,
		CacheMaxAge:          24 * time.Hour,
		PendingLimit:         delivery.DefaultPendingLimit,
		BacklogLimit:         4096,
	}
}

type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithCache persists snapshots so they can be shown when the remote store is unreachable.
func WithCache(cache domain.Cache) Option {
	return func(c *Coordinator) { c.cache = cache }
}

// WithUploader enables sending media messages.
func WithUploader(u media.Uploader) Option {
	return func(c *Coordinator) { c.uploader = u }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDs replaces the generator of provisional message ids.
func WithIDs(next func() string) Option {
	return func(c *Coordinator) { c.newID = next }
}

// Coordinator is the sync engine of one session. It is safe for concurrent use.
type Coordinator struct {
	session  domain.Session
	remote   domain.RemoteStore
	stream   Stream
	cache    domain.Cache
	uploader media.Uploader
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string

	store   *timeline.Store
	agg     *aggregate.Aggregator
	machine *delivery.Machine
	notes   *notifier
	loads   *supersede

	gate    chan bool
	acks    chan delivery.Ack
	refresh chan struct{}

	mu      sync.Mutex
	state   State
	active  string
	sending map[string]bool
	resets  int
	invalid bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// New builds the coordinator of session. Nothing happens until Run is called.
func New(session domain.Session, remote domain.RemoteStore, stream Stream, opts ...Option) *Coordinator {
	c := &Coordinator{
		session: session,
		remote:  remote,
		stream:  stream,
		cfg:     DefaultConfig(),
		log:     zerolog.Nop(),
		now:     time.Now,
		newID:   uuid.NewString,
		notes:   newNotifier(),
		loads:   newSupersede(),
		gate:    make(chan bool),
		acks:    make(chan delivery.Ack, 256),
		refresh: make(chan struct{}, 1),
		sending: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.PageSize <= 0 {
		c.cfg.PageSize = DefaultConfig().PageSize
	}
	if c.cfg.ConversationPageSize <= 0 {
		c.cfg.ConversationPageSize = DefaultConfig().ConversationPageSize
	}
	if c.cfg.BacklogLimit <= 0 {
		c.cfg.BacklogLimit = DefaultConfig().BacklogLimit
	}
	c.log = c.log.With().Str("component", "syncer").Str("user_id", session.UserID).Logger()

	c.store = timeline.NewStore(session.UserID)
	c.agg = aggregate.New(func(string) {
		c.notes.push(Update{Kind: UpdateConversations})
	})
	machineOpts := []delivery.Option{delivery.WithLogger(c.log)}
	if c.cfg.PendingLimit > 0 {
		machineOpts = append(machineOpts, delivery.WithPendingLimit(c.cfg.PendingLimit))
	}
	c.machine = delivery.New(c.store, c.agg, machineOpts...)
	return c
}

// Session returns the session the coordinator was built for.
func (c *Coordinator) Session() domain.Session {
	return c.session
}

// Updates returns the coalesced change notifications. The channel is closed
// when Run returns.
func (c *Coordinator) Updates() <-chan Update {
	return c.notes.out
}

// Run attaches the event stream, takes the initial snapshot and processes
// events until ctx is done or the session is rejected.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.invalid {
		c.mu.Unlock()
		return fmt.Errorf("run: %w", domain.ErrUnauthorized)
	}
	c.runCtx, c.cancel = ctx, cancel
	c.mu.Unlock()
	c.setState(StateConnecting)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.notes.run(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		err := c.stream.Run(gctx)
		if errors.Is(err, domain.ErrUnauthorized) {
			c.invalidate(err)
		}
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("event stream: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		c.pipeline(gctx)
		return nil
	})
	g.Go(func() error {
		// Events are held until the first snapshot is in.
		defer c.release(gctx)
		if _, err := c.LoadConversations(gctx); err != nil && !errors.Is(err, domain.ErrSuperseded) {
			c.log.Warn().Err(err).Msg("initial conversation load failed")
		}
		return nil
	})
	g.Go(func() error {
		c.ackWorker(gctx)
		return nil
	})
	g.Go(func() error {
		c.refreshWorker(gctx)
		return nil
	})
	if c.cfg.RecountInterval > 0 {
		g.Go(func() error {
			c.recountLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	c.loads.cancelAll()
	c.setState(StateDisconnected)

	c.mu.Lock()
	invalid := c.invalid
	c.mu.Unlock()
	if invalid {
		return fmt.Errorf("session rejected: %w", domain.ErrUnauthorized)
	}
	return err
}

// pipeline applies stream events serially, in arrival order. While a
// snapshot is being taken events are held and applied once it is in.
func (c *Coordinator) pipeline(ctx context.Context) {
	updates := c.stream.Updates()
	holds := 1
	var backlog []domain.ChangeEvent
	dropped := false

	for {
		select {
		case <-ctx.Done():
			return
		case hold := <-c.gate:
			if hold {
				holds++
				continue
			}
			if holds > 0 {
				holds--
			}
			if holds > 0 {
				continue
			}
			for _, ev := range backlog {
				c.apply(ev)
			}
			backlog = nil
			if dropped {
				dropped = false
				c.requestRefresh()
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch u.Kind {
			case realtime.KindConnected:
				c.setState(StateLive)
				if u.Resumed {
					holds++
					go c.reconcile(ctx)
				}
			case realtime.KindDisconnected:
				c.setState(StateReconnecting)
			case realtime.KindEvent:
				if holds == 0 {
					c.apply(u.Event)
					continue
				}
				if len(backlog) >= c.cfg.BacklogLimit {
					backlog = backlog[1:]
					dropped = true
				}
				backlog = append(backlog, u.Event)
			}
		}
	}
}

func (c *Coordinator) release(ctx context.Context) {
	select {
	case c.gate <- false:
	case <-ctx.Done():
	}
}

// hold makes the pipeline buffer events until the returned func is called.
// It does nothing unless the coordinator is running.
func (c *Coordinator) hold(ctx context.Context) func() {
	c.mu.Lock()
	runCtx := c.runCtx
	c.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return func() {}
	}
	select {
	case c.gate <- true:
	case <-ctx.Done():
		return func() {}
	case <-runCtx.Done():
		return func() {}
	}
	return func() {
		select {
		case c.gate <- false:
		case <-runCtx.Done():
		}
	}
}

func (c *Coordinator) reconcile(ctx context.Context) {
	defer c.release(ctx)
	if err := c.OnReconnect(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn().Err(err).Msg("reconciliation after reconnect failed")
	}
}

func (c *Coordinator) apply(ev domain.ChangeEvent) {
	eff, err := c.machine.Apply(ev)
	if err != nil {
		c.log.Warn().Err(err).Str("table", ev.Table).Str("operation", string(ev.Operation)).Msg("dropping change event")
		return
	}
	for _, ack := range eff.Acks {
		select {
		case c.acks <- ack:
		default:
			c.log.Warn().Str("message_id", ack.MessageID).Msg("ack queue full, delivery not acknowledged")
		}
	}
	if eff.RefreshConversations {
		c.requestRefresh()
	}
	if eff.ConversationID != "" {
		c.notes.push(Update{Kind: UpdateMessages, ConversationID: eff.ConversationID})
	}
}

func (c *Coordinator) ackWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-c.acks:
			err := backoff.Retry(func() error {
				return retryable(c.remote.UpdateStatus(ctx, ack.ConversationID, ack.MessageID, domain.StatusDelivered))
			}, c.backOff(ctx, c.cfg.SendTimeout))
			if err != nil {
				c.remoteFailed(err)
				if ctx.Err() == nil {
					c.log.Warn().Err(err).Str("message_id", ack.MessageID).Msg("acknowledge delivery")
				}
				continue
			}
			if _, err := c.machine.Transition(ack.ConversationID, ack.MessageID, c.session.UserID, domain.StatusDelivered); err != nil {
				c.log.Warn().Err(err).Str("message_id", ack.MessageID).Msg("apply delivered status")
				continue
			}
			c.notes.push(Update{Kind: UpdateMessages, ConversationID: ack.ConversationID})
		}
	}
}

func (c *Coordinator) requestRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) refreshWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.refresh:
			if _, err := c.LoadConversations(ctx); err != nil && !errors.Is(err, domain.ErrSuperseded) && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("refresh conversations")
			}
		}
	}
}

func (c *Coordinator) recountLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RecountInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if active := c.Active(); active != "" {
				c.machine.Recount(active)
			}
		}
	}
}

// LoadConversations fetches the full conversation snapshot and seeds the
// aggregates with it. On failure the list held so far, or a fresh cached
// one, is returned together with the error.
func (c *Coordinator) LoadConversations(ctx context.Context) ([]domain.Conversation, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	ctx, gen, release := c.loads.begin(ctx, keyConversations)
	defer release()
	// Live events wait until the snapshot is seeded, so none falls between
	// the server's read and the seed.
	defer c.hold(ctx)()

	convs, err := c.fetchConversations(ctx)
	if !c.loads.current(keyConversations, gen) {
		return c.agg.List(), domain.ErrSuperseded
	}
	if err != nil {
		c.remoteFailed(err)
		c.restoreConversations(ctx)
		return c.agg.List(), fmt.Errorf("load conversations: %w", err)
	}

	c.agg.Seed(convs)
	for _, conv := range convs {
		c.machine.Resync(conv)
	}
	c.mu.Lock()
	c.resets = 0
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.SaveConversations(context.WithoutCancel(ctx), c.session.UserID, convs, c.now()); err != nil {
			c.log.Warn().Err(err).Msg("cache conversations")
		}
	}
	return c.agg.List(), nil
}

func (c *Coordinator) fetchConversations(ctx context.Context) ([]domain.Conversation, error) {
	var (
		all    []domain.Conversation
		cursor string
	)
	for {
		page, err := c.remote.ListConversations(ctx, cursor, c.cfg.ConversationPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Conversations...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Coordinator) restoreConversations(ctx context.Context) {
	if c.cache == nil || len(c.agg.List()) > 0 {
		return
	}
	cached, err := c.cache.LoadConversations(context.WithoutCancel(ctx), c.session.UserID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.log.Warn().Err(err).Msg("read cached conversations")
		}
		return
	}
	if !domain.Fresh(cached.FetchedAt, c.cfg.CacheMaxAge, c.now()) {
		return
	}
	c.agg.Seed(cached.Conversations)
}

// OpenConversation makes conversationID the active conversation: it loads the
// newest page, marks the messages of others read and returns the merged
// timeline. On failure the page held before is returned with the error.
func (c *Coordinator) OpenConversation(ctx context.Context, conversationID string) (timeline.Page, error) {
	if conversationID == "" {
		return timeline.Page{}, fmt.Errorf("open conversation: empty id: %w", domain.ErrInvalidArgument)
	}
	if err := c.usable(); err != nil {
		return timeline.Page{}, err
	}
	c.mu.Lock()
	c.active = conversationID
	c.mu.Unlock()

	key := "open:" + conversationID
	ctx, gen, release := c.loads.begin(ctx, key)
	defer release()

	remotePage, err := c.remote.ListMessages(ctx, conversationID, domain.Cursor{}, c.cfg.PageSize)
	if !c.loads.current(key, gen) {
		return c.previousPage(ctx, conversationID), domain.ErrSuperseded
	}
	if err != nil {
		c.remoteFailed(err)
		return c.previousPage(ctx, conversationID), fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	current := func() bool { return c.loads.current(key, gen) }
	if _, err := c.machine.IngestIf(conversationID, remotePage.Messages, current); err != nil {
		if errors.Is(err, domain.ErrSuperseded) {
			return c.previousPage(ctx, conversationID), domain.ErrSuperseded
		}
		return c.previousPage(ctx, conversationID), fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	c.savePage(ctx, conversationID, domain.Cursor{}, remotePage)
	c.markRead(ctx, conversationID)
	c.notes.push(Update{Kind: UpdateMessages, ConversationID: conversationID})

	page, err := c.store.PageBefore(conversationID, domain.Cursor{}, c.cfg.PageSize)
	if err != nil {
		return timeline.Page{}, err
	}
	page.HasMore = page.HasMore || remotePage.HasMore
	return page, nil
}

// LoadOlder fetches the page older than cursor and returns it merged with
// what the store already holds.
func (c *Coordinator) LoadOlder(ctx context.Context, conversationID string, cursor domain.Cursor) (timeline.Page, error) {
	if conversationID == "" || cursor.IsZero() {
		return timeline.Page{}, fmt.Errorf("load older: conversation %q at %v: %w", conversationID, cursor, domain.ErrInvalidArgument)
	}
	if err := c.usable(); err != nil {
		return timeline.Page{}, err
	}
	key := "older:" + conversationID
	ctx, gen, release := c.loads.begin(ctx, key)
	defer release()

	remotePage, err := c.remote.ListMessages(ctx, conversationID, cursor, c.cfg.PageSize)
	if !c.loads.current(key, gen) {
		page, _ := c.store.PageBefore(conversationID, cursor, c.cfg.PageSize)
		return page, domain.ErrSuperseded
	}
	if err != nil {
		c.remoteFailed(err)
		page, _ := c.store.PageBefore(conversationID, cursor, c.cfg.PageSize)
		return page, fmt.Errorf("load older messages of %s: %w", conversationID, err)
	}
	current := func() bool { return c.loads.current(key, gen) }
	if _, err := c.machine.BackfillIf(conversationID, remotePage.Messages, current); err != nil {
		if errors.Is(err, domain.ErrSuperseded) {
			page, _ := c.store.PageBefore(conversationID, cursor, c.cfg.PageSize)
			return page, domain.ErrSuperseded
		}
		return timeline.Page{}, fmt.Errorf("load older messages of %s: %w", conversationID, err)
	}
	c.savePage(ctx, conversationID, cursor, remotePage)
	c.notes.push(Update{Kind: UpdateMessages, ConversationID: conversationID})

	page, err := c.store.PageBefore(conversationID, cursor, c.cfg.PageSize)
	if err != nil {
		return timeline.Page{}, err
	}
	page.HasMore = page.HasMore || remotePage.HasMore
	return page, nil
}

// markRead marks everything of others read locally and advances the viewer's
// watermark on the server. The watermark is never behind the newest message.
func (c *Coordinator) markRead(ctx context.Context, conversationID string) {
	at := c.now().UTC()
	if latest, ok := c.store.Latest(conversationID); ok && latest.CreatedAt.After(at) {
		at = latest.CreatedAt
	}
	if _, err := c.machine.MarkRead(conversationID, at); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read locally")
		return
	}
	if err := c.remote.MarkRead(ctx, conversationID, at); err != nil {
		c.remoteFailed(err)
		c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read on server")
	}
}

func (c *Coordinator) previousPage(ctx context.Context, conversationID string) timeline.Page {
	if c.store.Len(conversationID) > 0 {
		page, _ := c.store.PageBefore(conversationID, domain.Cursor{}, c.cfg.PageSize)
		return page
	}
	if c.cache == nil {
		return timeline.Page{}
	}
	cached, err := c.cache.LoadPage(context.WithoutCancel(ctx), c.session.UserID, conversationID, domain.Cursor{})
	if err != nil || !domain.Fresh(cached.FetchedAt, c.cfg.CacheMaxAge, c.now()) {
		return timeline.Page{}
	}
	page := timeline.Page{HasMore: cached.Page.HasMore}
	for _, row := range cached.Page.Messages {
		page.Messages = append(page.Messages, row.Message())
	}
	if oldest, ok := page.Oldest(); ok {
		page.Next = domain.CursorOf(oldest)
	}
	return page
}

func (c *Coordinator) savePage(ctx context.Context, conversationID string, before domain.Cursor, page domain.MessagePage) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SavePage(context.WithoutCancel(ctx), c.session.UserID, conversationID, before, page, c.now()); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("cache message page")
	}
}

// Send appends a provisional message and delivers it to the remote store.
// Media content is a local path that is uploaded first. A send that cannot
// be delivered leaves a failed entry that is returned with the error.
func (c *Coordinator) Send(ctx context.Context, conversationID, content string, kind domain.Kind) (domain.Message, error) {
	if conversationID == "" || !kind.Valid() || strings.TrimSpace(content) == "" {
		return domain.Message{}, fmt.Errorf("send to %q: empty or malformed %q message: %w", conversationID, kind, domain.ErrInvalidArgument)
	}
	if err := c.usable(); err != nil {
		return domain.Message{}, err
	}
	conv, ok := c.agg.Get(conversationID)
	if !ok {
		return domain.Message{}, fmt.Errorf("send to %s: %w", conversationID, domain.ErrNotFound)
	}

	if kind.IsMedia() {
		if c.uploader == nil {
			return domain.Message{}, fmt.Errorf("send %s: no media uploader: %w", kind, domain.ErrInvalidArgument)
		}
		url, err := c.uploader.Upload(ctx, kind, content)
		if err != nil {
			return domain.Message{}, fmt.Errorf("send %s: %w", kind, err)
		}
		content = url
	}

	localID := c.newID()
	msg := domain.Message{
		ID:             domain.ProvisionalID(localID),
		ClientRef:      localID,
		ConversationID: conversationID,
		SenderID:       c.session.UserID,
		RecipientID:    conv.Peer(c.session.UserID),
		Content:        content,
		Kind:           kind,
		CreatedAt:      c.now().UTC(),
		SendState:      domain.SendPending,
		Status:         domain.StatusSent,
	}
	res, err := c.machine.Append(conversationID, msg)
	if err != nil {
		return domain.Message{}, err
	}
	c.notes.push(Update{Kind: UpdateMessages, ConversationID: conversationID})
	return c.deliver(ctx, res.Message)
}

// Retry re-sends a failed message under its original client reference, so the
// server stores it at most once. Retrying a message that is already confirmed
// or still in flight returns it as is.
func (c *Coordinator) Retry(ctx context.Context, conversationID, localID string) (domain.Message, error) {
	if conversationID == "" || localID == "" {
		return domain.Message{}, fmt.Errorf("retry: empty identity: %w", domain.ErrInvalidArgument)
	}
	if err := c.usable(); err != nil {
		return domain.Message{}, err
	}
	msg, ok := c.store.Get(conversationID, domain.ProvisionalID(localID))
	if !ok {
		return domain.Message{}, fmt.Errorf("retry %s: %w", localID, domain.ErrNotFound)
	}
	if msg.ID.IsConfirmed() {
		return msg, nil
	}
	return c.deliver(ctx, msg)
}

func (c *Coordinator) deliver(ctx context.Context, msg domain.Message) (domain.Message, error) {
	conv, localID := msg.ConversationID, msg.ClientRef
	c.mu.Lock()
	if c.sending[localID] {
		c.mu.Unlock()
		return msg, nil
	}
	c.sending[localID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.sending, localID)
		c.mu.Unlock()
	}()

	if pending, err := c.machine.MarkPending(conv, localID); err == nil {
		msg = pending
		c.notes.push(Update{Kind: UpdateMessages, ConversationID: conv})
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	in := domain.NewMessage{
		ConversationID: conv,
		ClientRef:      localID,
		Content:        msg.Content,
		Kind:           msg.Kind,
		CreatedAt:      msg.CreatedAt,
	}
	row, err := backoff.RetryWithData(func() (domain.MessageRow, error) {
		row, err := c.remote.InsertMessage(sendCtx, in)
		return row, retryable(err)
	}, c.backOff(sendCtx, 0))
	if err != nil {
		c.remoteFailed(err)
		if failed, ferr := c.machine.MarkFailed(conv, localID); ferr == nil {
			msg = failed
		}
		c.notes.push(Update{Kind: UpdateMessages, ConversationID: conv})
		c.log.Warn().Err(err).Str("conversation_id", conv).Str("client_ref", localID).Msg("send failed")
		if domain.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			return msg, fmt.Errorf("send %s: %v: %w", localID, err, domain.ErrTransient)
		}
		return msg, fmt.Errorf("send %s: %w", localID, err)
	}

	if row.ClientRef == "" {
		row.ClientRef = localID
	}
	if row.ConversationID == "" {
		row.ConversationID = conv
	}
	res, err := c.machine.Append(conv, row.Message())
	if err != nil {
		return msg, fmt.Errorf("confirm %s: %w", localID, err)
	}
	c.notes.push(Update{Kind: UpdateMessages, ConversationID: conv})
	return res.Message, nil
}

// OnReconnect re-snapshots the conversation list and the active
// conversation, then recounts the active conversation.
func (c *Coordinator) OnReconnect(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	active := c.Active()

	var g errgroup.Group
	g.Go(func() error {
		_, err := c.LoadConversations(ctx)
		return ignoreSuperseded(err)
	})
	if active != "" {
		g.Go(func() error {
			_, err := c.OpenConversation(ctx, active)
			return ignoreSuperseded(err)
		})
	}
	err := g.Wait()
	if active != "" {
		c.machine.Recount(active)
	}
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// CreateConversation creates a conversation on the server and adds it to the list.
func (c *Coordinator) CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error) {
	if len(in.MemberIDs) == 0 {
		return domain.Conversation{}, fmt.Errorf("create conversation with %d members: %w", len(in.MemberIDs), domain.ErrInvalidArgument)
	}
	if err := c.usable(); err != nil {
		return domain.Conversation{}, err
	}
	conv, err := c.remote.CreateConversation(ctx, in)
	if err != nil {
		c.remoteFailed(err)
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	c.agg.Upsert(conv)
	got, _ := c.agg.Get(conv.ID)
	return got, nil
}

// Conversations returns the conversation list, most recent activity first.
func (c *Coordinator) Conversations() []domain.Conversation {
	return c.agg.List()
}

func (c *Coordinator) Conversation(conversationID string) (domain.Conversation, bool) {
	return c.agg.Get(conversationID)
}

// Messages returns a page of the locally held timeline without touching the network.
func (c *Coordinator) Messages(conversationID string, cursor domain.Cursor, limit int) (timeline.Page, error) {
	return c.store.PageBefore(conversationID, cursor, limit)
}

// Active returns the open conversation, if any.
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CloseConversation clears the active conversation if it is conversationID.
func (c *Coordinator) CloseConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == conversationID {
		c.active = ""
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	if c.invalid && s != StateDisconnected {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.log.Debug().Stringer("state", s).Msg("connection state")
		c.notes.push(Update{Kind: UpdateState})
	}
}

func (c *Coordinator) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalid {
		return fmt.Errorf("session of %s: %w", c.session.UserID, domain.ErrUnauthorized)
	}
	return nil
}

// remoteFailed reacts to a remote failure that invalidates the session.
func (c *Coordinator) remoteFailed(err error) {
	if errors.Is(err, domain.ErrUnauthorized) {
		c.hardReset(err)
	}
}

// hardReset drops all state and reloads once. A second rejection in a row
// invalidates the session.
func (c *Coordinator) hardReset(cause error) {
	c.mu.Lock()
	if c.invalid {
		c.mu.Unlock()
		return
	}
	c.resets++
	if c.resets > 1 {
		c.mu.Unlock()
		c.invalidate(cause)
		return
	}
	c.active = ""
	ctx := c.runCtx
	c.mu.Unlock()

	c.log.Warn().Err(cause).Msg("session rejected, resetting state")
	c.loads.cancelAll()
	c.machine.Reset()
	if c.cache != nil {
		if err := c.cache.Purge(context.Background(), c.session.UserID); err != nil {
			c.log.Warn().Err(err).Msg("purge cache")
		}
	}
	c.notes.push(Update{Kind: UpdateReset})
	if ctx != nil {
		go func() {
			if _, err := c.LoadConversations(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("reload after reset")
			}
		}()
	}
}

func (c *Coordinator) invalidate(cause error) {
	c.mu.Lock()
	if c.invalid {
		c.mu.Unlock()
		return
	}
	c.invalid = true
	cancel := c.cancel
	c.mu.Unlock()

	c.log.Error().Err(cause).Msg("session invalidated")
	c.setState(StateDisconnected)
	c.notes.push(Update{Kind: UpdateReset})
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) backOff(ctx context.Context, maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = maxElapsed
	return backoff.WithContext(b, ctx)
}

// retryable marks every error but a transient one as permanent for backoff.
func retryable(err error) error {
	if err == nil || domain.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func ignoreSuperseded(err error) error {
	if errors.Is(err, domain.ErrSuperseded) {
		return nil
	}
	return err
}
