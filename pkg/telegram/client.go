package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/aldav99/analystTelegram/pkg/analyzer"
	"github.com/aldav99/analystTelegram/pkg/config"
)

// historyBatchSize is the server-side page cap for messages.getHistory.
const historyBatchSize = 100

type cachedUser struct {
	name       string
	accessHash int64
}

// Client encapsulates the Telegram client and implements the analysis
// pipeline's MessagingClient contract. One authenticated client is owned by
// the process: constructed at startup, run until shutdown, health-checked
// per request through Ready and Self.
type Client struct {
	*telegram.Client
	api           *tg.Client
	AuthCode      chan string   // channel to receive authentication code
	AuthCompleted chan struct{} // closed once authentication finishes
	logger        *zap.Logger
	password      string

	ready atomic.Bool

	mu            sync.Mutex
	channelHashes map[int64]int64 // channel/supergroup id -> access hash
	users         map[int64]cachedUser
}

// NewClient creates and initializes a new Telegram client.
func NewClient(cfg *config.TelegramConfig, logger *zap.Logger) *Client {
	tgc := telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		Logger:         logger.Named("gotd"),
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
	})

	return &Client{
		Client:        tgc,
		api:           tgc.API(),
		AuthCode:      make(chan string),
		AuthCompleted: make(chan struct{}),
		logger:        logger,
		password:      cfg.Password,
		channelHashes: make(map[int64]int64),
		users:         make(map[int64]cachedUser),
	}
}

// Run starts the Telegram client, authenticates, and blocks until the
// context is cancelled.
func (c *Client) Run(ctx context.Context, phone string) error {
	return c.Client.Run(ctx, func(ctx context.Context) error {
		if err := c.auth(ctx, phone); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		c.logger.Info("Telegram client started and authenticated")
		c.ready.Store(true)
		close(c.AuthCompleted)

		<-ctx.Done()
		c.ready.Store(false)
		return ctx.Err()
	})
}

func (c *Client) auth(ctx context.Context, phone string) error {
	flow := auth.NewFlow(
		auth.Constant(phone, c.password, auth.CodeAuthenticatorFunc(
			func(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
				c.logger.Info("Waiting for authentication code via API...")
				select {
				case code := <-c.AuthCode:
					return strings.TrimSpace(code), nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			})),
		auth.SendCodeOptions{},
	)

	return flow.Run(ctx, c.Client.Auth())
}

// Ready reports whether the client is authenticated and running.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// ResolveChannel resolves a channel username to its identity, subscriber
// count and linked discussion group.
func (c *Client) ResolveChannel(ctx context.Context, username string) (*analyzer.Channel, error) {
	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
			return nil, analyzer.ErrChannelNotFound
		}
		return nil, c.mapError(err)
	}

	var channel *tg.Channel
	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			channel = ch
			break
		}
	}
	if channel == nil {
		// Resolved to a user or a basic group, not a channel.
		return nil, analyzer.ErrNotChannel
	}
	c.cacheChats(resolved.Chats)

	hash, _ := channel.GetAccessHash()
	full, err := c.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{
		ChannelID:  channel.ID,
		AccessHash: hash,
	})
	if err != nil {
		return nil, c.mapError(err)
	}
	// The full response carries the linked discussion group entity; cache its
	// access hash so the discussion history can be fetched later.
	c.cacheChats(full.Chats)
	c.cacheUsers(full.Users)

	result := &analyzer.Channel{
		ID:       channel.ID,
		Title:    channel.Title,
		Username: username,
	}
	if u, ok := channel.GetUsername(); ok {
		result.Username = u
	}
	if chFull, ok := full.FullChat.(*tg.ChannelFull); ok {
		if count, ok := chFull.GetParticipantsCount(); ok {
			result.Subscribers = count
		}
		if linked, ok := chFull.GetLinkedChatID(); ok {
			result.LinkedGroupID = linked
		}
	}

	return result, nil
}

// FetchPosts pulls up to limit messages of the channel history, newest
// first, stopping early once the window boundary is crossed.
func (c *Client) FetchPosts(ctx context.Context, ch *analyzer.Channel, limit int, since time.Time) ([]tg.MessageClass, error) {
	peer, err := c.inputPeer(ch.ID)
	if err != nil {
		return nil, err
	}
	return c.fetchHistory(ctx, peer, limit, since)
}

// FetchDiscussionMessages pulls up to limit messages of the linked
// discussion group's history. The group's access hash must have been seen
// before, which ResolveChannel guarantees for linked groups.
func (c *Client) FetchDiscussionMessages(ctx context.Context, groupID int64, limit int) ([]tg.MessageClass, error) {
	peer, err := c.inputPeer(groupID)
	if err != nil {
		return nil, err
	}
	return c.fetchHistory(ctx, peer, limit, time.Time{})
}

// fetchHistory pages through messages.getHistory until limit messages are
// collected, the history is exhausted, or every message in a page predates
// since (history comes newest first).
func (c *Client) fetchHistory(ctx context.Context, peer tg.InputPeerClass, limit int, since time.Time) ([]tg.MessageClass, error) {
	var (
		collected []tg.MessageClass
		offsetID  int
	)

	for len(collected) < limit {
		batch := historyBatchSize
		if remaining := limit - len(collected); remaining < batch {
			batch = remaining
		}

		history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			Limit:    batch,
		})
		if err != nil {
			return nil, c.mapError(err)
		}

		messages, users := splitHistory(history)
		c.cacheUsers(users)
		if len(messages) == 0 {
			break
		}

		pageDone := false
		for _, msg := range messages {
			if id := messageID(msg); id > 0 && (offsetID == 0 || id < offsetID) {
				offsetID = id
			}
			m, ok := msg.(*tg.Message)
			if !ok {
				continue
			}
			if !since.IsZero() && time.Unix(int64(m.Date), 0).Before(since) {
				pageDone = true
				continue
			}
			collected = append(collected, msg)
		}
		if pageDone || len(messages) < batch {
			break
		}
	}

	return collected, nil
}

// ResolveSenderName resolves a user id to a display name, preferring the
// user cache populated by fetch responses and falling back to users.getUsers
// when the access hash is known.
func (c *Client) ResolveSenderName(ctx context.Context, senderID int64) (string, error) {
	c.mu.Lock()
	cached, ok := c.users[senderID]
	c.mu.Unlock()

	if ok && cached.name != "" {
		return cached.name, nil
	}
	if !ok {
		return "", fmt.Errorf("sender %d not seen in any fetch response", senderID)
	}

	users, err := c.api.UsersGetUsers(ctx, []tg.InputUserClass{
		&tg.InputUser{UserID: senderID, AccessHash: cached.accessHash},
	})
	if err != nil {
		return "", c.mapError(err)
	}
	c.cacheUsers(users)

	c.mu.Lock()
	cached, ok = c.users[senderID]
	c.mu.Unlock()
	if !ok || cached.name == "" {
		return "", fmt.Errorf("sender %d has no resolvable name", senderID)
	}
	return cached.name, nil
}

func (c *Client) inputPeer(channelID int64) (tg.InputPeerClass, error) {
	c.mu.Lock()
	hash, ok := c.channelHashes[channelID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no access hash for chat %d, resolve its channel first", channelID)
	}
	return &tg.InputPeerChannel{ChannelID: channelID, AccessHash: hash}, nil
}

func (c *Client) cacheChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chat := range chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		if hash, ok := ch.GetAccessHash(); ok {
			c.channelHashes[ch.ID] = hash
		}
	}
}

func (c *Client) cacheUsers(users []tg.UserClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		entry := cachedUser{name: displayName(user)}
		if hash, ok := user.GetAccessHash(); ok {
			entry.accessHash = hash
		}
		c.users[user.ID] = entry
	}
}

func displayName(u *tg.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if username, ok := u.GetUsername(); ok {
		return username
	}
	return ""
}

// mapError translates platform errors into the pipeline's taxonomy:
// flood waits become the typed retryable condition carrying the advised
// wait, private-channel errors become ErrChannelPrivate.
func (c *Client) mapError(err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &analyzer.RateLimitedError{RetryAfter: wait}
	}
	if tgerr.Is(err, "CHANNEL_PRIVATE", "CHANNEL_INVALID") {
		return fmt.Errorf("%w: %w", analyzer.ErrChannelPrivate, err)
	}
	return err
}

// messageID extracts the id shared by every message variant.
func messageID(msg tg.MessageClass) int {
	switch m := msg.(type) {
	case *tg.Message:
		return m.ID
	case *tg.MessageService:
		return m.ID
	case *tg.MessageEmpty:
		return m.ID
	default:
		return 0
	}
}

// splitHistory flattens the messages.getHistory result variants.
func splitHistory(history tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass) {
	switch h := history.(type) {
	case *tg.MessagesChannelMessages:
		return h.Messages, h.Users
	case *tg.MessagesMessagesSlice:
		return h.Messages, h.Users
	case *tg.MessagesMessages:
		return h.Messages, h.Users
	default:
		return nil, nil
	}
}
