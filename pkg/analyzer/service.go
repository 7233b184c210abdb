package analyzer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Channel describes a resolved broadcast channel. LinkedGroupID is the id of
// the linked discussion group, 0 when the channel has none; the two states
// "no group" and "group with zero matches" stay distinguishable downstream.
type Channel struct {
	ID            int64
	Title         string
	Username      string
	Subscribers   int
	LinkedGroupID int64
}

// MessagingClient is the narrow contract the analysis pipeline consumes.
// Every method is treated as slow, fallible and rate-limited.
type MessagingClient interface {
	ResolveChannel(ctx context.Context, username string) (*Channel, error)
	FetchPosts(ctx context.Context, ch *Channel, limit int, since time.Time) ([]tg.MessageClass, error)
	FetchDiscussionMessages(ctx context.Context, groupID int64, limit int) ([]tg.MessageClass, error)
	NameResolver
}

// RunRecord summarizes one completed analysis for the history store.
type RunRecord struct {
	ChannelUsername  string
	ChannelID        int64
	PostsAnalyzed    int
	CommentsResolved int
	IncludeComments  bool
	Duration         time.Duration
}

// RunRecorder persists analysis-run history. Failures are logged, never
// surfaced to the caller.
type RunRecorder interface {
	SaveRun(ctx context.Context, run RunRecord) error
}

// Request holds the parameters of one channel analysis.
type Request struct {
	Channel         string
	LimitMessages   int
	DaysBack        int
	IncludeComments bool
}

// Report is the typed result of one analysis run. Posts are chronological
// ascending. Partial is set when the post statistics are complete but
// comment enrichment was cut short by upstream rate limiting; RetryAfter
// then carries the advised wait.
type Report struct {
	ChannelTitle    string
	ChannelUsername string
	ChannelID       int64
	Subscribers     int
	DaysBack        int
	Posts           []PostRecord
	GeneratedAt     time.Time
	Partial         bool
	RetryAfter      time.Duration
}

// ServiceConfig bounds the per-request work of the pipeline.
type ServiceConfig struct {
	DiscussionLimit     int
	MaxCommentsPerPost  int
	CommentTextLimit    int
	AuthorLookupLimit   int
	AuthorLookupTimeout time.Duration
	CountPolicy         CommentsCountPolicy
}

// Service runs the full analysis pipeline: fetch posts, correlate discussion
// messages, format comments, aggregate records. It holds no cross-request
// state; every run is a pure pipeline over that run's inputs.
type Service struct {
	client  MessagingClient
	history RunRecorder // optional
	cfg     ServiceConfig
	logger  *zap.Logger
}

// NewService creates an analysis service. history may be nil.
func NewService(client MessagingClient, history RunRecorder, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.DiscussionLimit <= 0 {
		cfg.DiscussionLimit = 500
	}
	if cfg.MaxCommentsPerPost <= 0 {
		cfg.MaxCommentsPerPost = DefaultMaxCommentsPerPost
	}
	return &Service{client: client, history: history, cfg: cfg, logger: logger}
}

// AnalyzeChannel fetches the channel's recent posts and, when requested and
// possible, enriches each with the discussion-group comments attributable
// to it.
func (s *Service) AnalyzeChannel(ctx context.Context, req Request) (*Report, error) {
	start := time.Now().UTC()

	ch, err := s.client.ResolveChannel(ctx, req.Channel)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %q: %w", req.Channel, err)
	}
	s.logger.Info("Channel resolved",
		zap.String("channel", req.Channel),
		zap.Int64("channel_id", ch.ID),
		zap.Int64("linked_group_id", ch.LinkedGroupID))

	since := start.AddDate(0, 0, -req.DaysBack)
	posts, err := s.fetchPosts(ctx, ch, req.LimitMessages, since)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ChannelTitle:    ch.Title,
		ChannelUsername: ch.Username,
		ChannelID:       ch.ID,
		Subscribers:     ch.Subscribers,
		DaysBack:        req.DaysBack,
		GeneratedAt:     start,
	}

	comments := map[int64][]ResolvedComment{}
	if req.IncludeComments {
		var rl *RateLimitedError
		comments, rl = s.resolveComments(ctx, ch, posts)
		if rl != nil {
			report.Partial = true
			report.RetryAfter = rl.RetryAfter
		}
	}

	report.Posts = make([]PostRecord, 0, len(posts))
	resolved := 0
	for _, post := range posts {
		bucket := comments[post.ID]
		resolved += len(bucket)
		report.Posts = append(report.Posts, Aggregate(post, bucket, s.cfg.CountPolicy))
	}

	s.recordRun(ctx, req, ch, report, resolved, time.Since(start))

	s.logger.Info("Analysis completed",
		zap.String("channel", req.Channel),
		zap.Int("posts", len(report.Posts)),
		zap.Int("comments", resolved),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

// fetchPosts pulls the channel history and keeps genuine posts inside the
// window: not replies, not older than since. Returned oldest first.
func (s *Service) fetchPosts(ctx context.Context, ch *Channel, limit int, since time.Time) ([]Post, error) {
	raw, err := s.client.FetchPosts(ctx, ch, limit, since)
	if err != nil {
		return nil, fmt.Errorf("fetch posts: %w", err)
	}

	posts := make([]Post, 0, len(raw))
	for _, msg := range raw {
		post, ok := PostFromMessage(msg, ch.ID, ch.Username)
		if !ok {
			continue
		}
		if post.ReplyToID != 0 || post.Timestamp.Before(since) {
			continue
		}
		posts = append(posts, post)
	}

	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	return posts, nil
}

// resolveComments runs the correlation stage. A missing discussion group or
// a zero platform reply count skips the fetch entirely; a rate limit during
// the fetch degrades to empty buckets and is reported back so the already
// computed post statistics are not lost. Any other fetch failure degrades
// the same way, logged at Warn.
func (s *Service) resolveComments(ctx context.Context, ch *Channel, posts []Post) (map[int64][]ResolvedComment, *RateLimitedError) {
	none := map[int64][]ResolvedComment{}

	if ch.LinkedGroupID == 0 || len(posts) == 0 {
		return none, nil
	}
	expected := 0
	for _, p := range posts {
		expected += p.ExpectedComments
	}
	if expected == 0 {
		return none, nil
	}

	raw, err := s.client.FetchDiscussionMessages(ctx, ch.LinkedGroupID, s.cfg.DiscussionLimit)
	if err != nil {
		if rl, ok := AsRateLimited(err); ok {
			s.logger.Warn("Discussion fetch rate limited, returning posts without comments",
				zap.Int64("group_id", ch.LinkedGroupID),
				zap.Duration("retry_after", rl.RetryAfter))
			return none, rl
		}
		s.logger.Warn("Discussion fetch failed, returning posts without comments",
			zap.Int64("group_id", ch.LinkedGroupID), zap.Error(err))
		return none, nil
	}

	discussion := make([]NormalizedMessage, 0, len(raw))
	for _, msg := range raw {
		if nm, ok := Normalize(msg); ok {
			discussion = append(discussion, nm)
		}
	}

	resolver := &Resolver{MaxPerPost: s.cfg.MaxCommentsPerPost}
	mc := NewMatchContext(ch.ID, ch.Username, posts)
	buckets := resolver.Resolve(mc, discussion)

	formatter := &Formatter{
		Names:         s.client,
		MaxTextLen:    s.cfg.CommentTextLimit,
		LookupLimit:   s.cfg.AuthorLookupLimit,
		LookupTimeout: s.cfg.AuthorLookupTimeout,
		Logger:        s.logger,
	}
	return formatter.FormatAll(ctx, buckets), nil
}

func (s *Service) recordRun(ctx context.Context, req Request, ch *Channel, report *Report, resolved int, took time.Duration) {
	if s.history == nil {
		return
	}
	run := RunRecord{
		ChannelUsername:  req.Channel,
		ChannelID:        ch.ID,
		PostsAnalyzed:    len(report.Posts),
		CommentsResolved: resolved,
		IncludeComments:  req.IncludeComments,
		Duration:         took,
	}
	if err := s.history.SaveRun(ctx, run); err != nil {
		s.logger.Warn("Failed to record analysis run", zap.Error(err))
	}
}
