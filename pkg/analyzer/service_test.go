package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	channel       *Channel
	resolveErr    error
	posts         []tg.MessageClass
	postsErr      error
	discussion    []tg.MessageClass
	discussionErr error
	names         map[int64]string
	nameErr       error

	mu              sync.Mutex
	discussionCalls int
}

func (f *fakeClient) ResolveChannel(ctx context.Context, username string) (*Channel, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.channel, nil
}

func (f *fakeClient) FetchPosts(ctx context.Context, ch *Channel, limit int, since time.Time) ([]tg.MessageClass, error) {
	if f.postsErr != nil {
		return nil, f.postsErr
	}
	return f.posts, nil
}

func (f *fakeClient) FetchDiscussionMessages(ctx context.Context, groupID int64, limit int) ([]tg.MessageClass, error) {
	f.mu.Lock()
	f.discussionCalls++
	f.mu.Unlock()
	if f.discussionErr != nil {
		return nil, f.discussionErr
	}
	return f.discussion, nil
}

func (f *fakeClient) ResolveSenderName(ctx context.Context, senderID int64) (string, error) {
	if f.nameErr != nil {
		return "", f.nameErr
	}
	return f.names[senderID], nil
}

func (f *fakeClient) discussionFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discussionCalls
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []RunRecord
}

func (f *fakeRecorder) SaveRun(ctx context.Context, run RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func channelPost(id int, text string, replies int, age time.Duration) *tg.Message {
	m := &tg.Message{
		ID:      id,
		Date:    int(time.Now().Add(-age).Unix()),
		Message: text,
		Post:    true,
		PeerID:  &tg.PeerChannel{ChannelID: 777},
	}
	if replies > 0 {
		m.SetReplies(tg.MessageReplies{Replies: replies})
	}
	return m
}

func groupMessage(id int, text string, senderID int64, age time.Duration) *tg.Message {
	m := &tg.Message{
		ID:      id,
		Date:    int(time.Now().Add(-age).Unix()),
		Message: text,
		PeerID:  &tg.PeerChannel{ChannelID: 888},
	}
	if senderID != 0 {
		m.SetFromID(&tg.PeerUser{UserID: senderID})
	}
	return m
}

func groupReply(id, replyTo int, text string, senderID int64, age time.Duration) *tg.Message {
	m := groupMessage(id, text, senderID, age)
	header := &tg.MessageReplyHeader{}
	header.SetReplyToMsgID(replyTo)
	m.SetReplyTo(header)
	return m
}

func testService(client MessagingClient, history RunRecorder) *Service {
	return NewService(client, history, ServiceConfig{}, zap.NewNop())
}

func testRequest() Request {
	return Request{Channel: "davblog", LimitMessages: 200, DaysBack: 30, IncludeComments: true}
}

func linkedChannel() *Channel {
	return &Channel{ID: 777, Title: "Dav Blog", Username: "davblog", Subscribers: 5000, LinkedGroupID: 888}
}

// Scenario: a direct reply in the discussion group becomes the post's comment.
func TestAnalyzeChannelWithReplyComment(t *testing.T) {
	client := &fakeClient{
		channel: linkedChannel(),
		posts:   []tg.MessageClass{channelPost(100, "big news", 1, time.Hour)},
		discussion: []tg.MessageClass{
			groupReply(51, 100, "nice!", 7, 30*time.Minute),
		},
		names: map[int64]string{7: "Alice"},
	}

	report, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, report.Posts, 1)
	post := report.Posts[0]
	assert.Equal(t, int64(100), post.ID)
	assert.Equal(t, 1, post.CommentsCount)
	require.Len(t, post.Comments, 1)
	assert.Equal(t, "nice!", post.Comments[0].Text)
	assert.Equal(t, "Alice", post.Comments[0].Author)

	assert.Equal(t, "Dav Blog", report.ChannelTitle)
	assert.Equal(t, 5000, report.Subscribers)
	assert.False(t, report.Partial)
}

// Scenario: no linked discussion group means empty buckets and no discussion
// fetch attempt at all.
func TestAnalyzeChannelWithoutDiscussionGroup(t *testing.T) {
	client := &fakeClient{
		channel: &Channel{ID: 777, Title: "Dav Blog", Username: "davblog"},
		posts:   []tg.MessageClass{channelPost(100, "post", 3, time.Hour)},
	}

	report, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, report.Posts, 1)
	assert.Empty(t, report.Posts[0].Comments)
	assert.Zero(t, client.discussionFetches())
}

// Scenario: a text-pattern match whose author cannot be resolved keeps the
// text and degrades the author to Unknown.
func TestAnalyzeChannelTextPatternUnknownAuthor(t *testing.T) {
	client := &fakeClient{
		channel: &Channel{ID: 777, Title: "c", Username: "channel", LinkedGroupID: 888},
		posts:   []tg.MessageClass{channelPost(555, "post", 1, time.Hour)},
		discussion: []tg.MessageClass{
			groupMessage(60, "check this out t.me/channel/555", 9, 30*time.Minute),
		},
		nameErr: errors.New("lookup unavailable"),
	}

	report, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, report.Posts, 1)
	require.Len(t, report.Posts[0].Comments, 1)
	comment := report.Posts[0].Comments[0]
	assert.Equal(t, UnknownAuthor, comment.Author)
	assert.Equal(t, "check this out t.me/channel/555", comment.Text)
}

// A zero platform reply count across all posts skips the discussion fetch.
func TestAnalyzeChannelSkipsDiscussionWhenNoRepliesExpected(t *testing.T) {
	client := &fakeClient{
		channel: linkedChannel(),
		posts:   []tg.MessageClass{channelPost(100, "post", 0, time.Hour)},
	}

	report, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Zero(t, client.discussionFetches())
	require.Len(t, report.Posts, 1)
	assert.Empty(t, report.Posts[0].Comments)
}

func TestAnalyzeChannelWithoutComments(t *testing.T) {
	client := &fakeClient{
		channel: linkedChannel(),
		posts:   []tg.MessageClass{channelPost(100, "post", 5, time.Hour)},
	}

	req := testRequest()
	req.IncludeComments = false
	report, err := testService(client, nil).AnalyzeChannel(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, client.discussionFetches())
	assert.Equal(t, 0, report.Posts[0].CommentsCount)
}

func TestAnalyzeChannelOrdersPostsChronologically(t *testing.T) {
	client := &fakeClient{
		channel: linkedChannel(),
		posts: []tg.MessageClass{ // newest first, as the platform returns them
			channelPost(300, "third", 0, 1*time.Hour),
			channelPost(200, "second", 0, 2*time.Hour),
			channelPost(100, "first", 0, 3*time.Hour),
		},
	}

	report, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, report.Posts, 3)
	assert.Equal(t, int64(100), report.Posts[0].ID)
	assert.Equal(t, int64(200), report.Posts[1].ID)
	assert.Equal(t, int64(300), report.Posts[2].ID)
}

func TestAnalyzeChannelFiltersRepliesAndOldPosts(t *testing.T) {
	client := &fakeClient{
		channel: linkedChannel(),
		posts: []tg.MessageClass{
			channelPost(100, "keep", 0, time.Hour),
			groupReply(101, 50, "a reply, not a post", 7, time.Hour),
			channelPost(99, "too old", 0, 40*24*time.Hour),
			&tg.MessageService{ID: 98},
		},
	}

	report, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, report.Posts, 1)
	assert.Equal(t, int64(100), report.Posts[0].ID)
}

// A rate limit during the discussion fetch must not lose the post
// statistics: the report comes back partial with the advised wait.
func TestAnalyzeChannelPartialOnDiscussionRateLimit(t *testing.T) {
	client := &fakeClient{
		channel:       linkedChannel(),
		posts:         []tg.MessageClass{channelPost(100, "post", 2, time.Hour)},
		discussionErr: &RateLimitedError{RetryAfter: 30 * time.Second},
	}

	report, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	require.NoError(t, err)

	assert.True(t, report.Partial)
	assert.Equal(t, 30*time.Second, report.RetryAfter)
	require.Len(t, report.Posts, 1)
	assert.Empty(t, report.Posts[0].Comments)
}

// A rate limit on the post fetch itself is surfaced as the typed retryable
// condition.
func TestAnalyzeChannelRateLimitOnPosts(t *testing.T) {
	client := &fakeClient{
		channel:  linkedChannel(),
		postsErr: &RateLimitedError{RetryAfter: 12 * time.Second},
	}

	_, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	require.Error(t, err)

	rl, ok := AsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 12*time.Second, rl.RetryAfter)
}

func TestAnalyzeChannelDiscussionFetchFailureDegrades(t *testing.T) {
	client := &fakeClient{
		channel:       linkedChannel(),
		posts:         []tg.MessageClass{channelPost(100, "post", 2, time.Hour)},
		discussionErr: errors.New("history unavailable"),
	}

	report, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	require.NoError(t, err)

	assert.False(t, report.Partial)
	require.Len(t, report.Posts, 1)
	assert.Empty(t, report.Posts[0].Comments)
}

func TestAnalyzeChannelResolveErrorPropagates(t *testing.T) {
	client := &fakeClient{resolveErr: ErrChannelNotFound}

	_, err := testService(client, nil).AnalyzeChannel(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestAnalyzeChannelRecordsRun(t *testing.T) {
	client := &fakeClient{
		channel: linkedChannel(),
		posts:   []tg.MessageClass{channelPost(100, "post", 1, time.Hour)},
		discussion: []tg.MessageClass{
			groupReply(51, 100, "nice!", 7, 30*time.Minute),
		},
		names: map[int64]string{7: "Alice"},
	}
	recorder := &fakeRecorder{}

	_, err := testService(client, recorder).AnalyzeChannel(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, recorder.runs, 1)
	run := recorder.runs[0]
	assert.Equal(t, "davblog", run.ChannelUsername)
	assert.Equal(t, int64(777), run.ChannelID)
	assert.Equal(t, 1, run.PostsAnalyzed)
	assert.Equal(t, 1, run.CommentsResolved)
	assert.True(t, run.IncludeComments)
}
