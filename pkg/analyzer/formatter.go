package analyzer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UnknownAuthor is the display name used whenever sender resolution fails,
// times out, or the message has no identifiable sender.
const UnknownAuthor = "Unknown"

const commentTimeLayout = "2006-01-02 15:04:05"

// NameResolver resolves an opaque sender id to a display name. Implemented
// by the messaging client; expected to be slow, rate-limited and fallible.
type NameResolver interface {
	ResolveSenderName(ctx context.Context, senderID int64) (string, error)
}

// ResolvedComment is the externally visible shape of a comment.
type ResolvedComment struct {
	Author    string
	Timestamp string
	Text      string
}

// Formatter turns comment candidates into ResolvedComments: it truncates
// the text, formats the timestamp and resolves author display names.
type Formatter struct {
	Names         NameResolver
	MaxTextLen    int           // rune cap for comment text, 0 means 500
	LookupLimit   int           // max concurrent name lookups, 0 means 8
	LookupTimeout time.Duration // per-lookup deadline, 0 means 5s
	Logger        *zap.Logger
}

// FormatAll formats every bucket. Author names are resolved first, in a
// bounded fan-out over the distinct senders of the whole batch, then the
// buckets are assembled serially from the memoized results; nothing mutates
// shared state during assembly. A failed or timed-out lookup degrades that
// comment's author to "Unknown" and never fails the batch.
func (f *Formatter) FormatAll(ctx context.Context, buckets map[int64][]CommentCandidate) map[int64][]ResolvedComment {
	names := f.resolveNames(ctx, buckets)

	out := make(map[int64][]ResolvedComment, len(buckets))
	for postID, bucket := range buckets {
		comments := make([]ResolvedComment, 0, len(bucket))
		for _, c := range bucket {
			comments = append(comments, f.format(c, names))
		}
		out[postID] = comments
	}
	return out
}

func (f *Formatter) format(c CommentCandidate, names map[int64]string) ResolvedComment {
	author := UnknownAuthor
	if name, ok := names[c.Message.SenderID]; ok && name != "" {
		author = name
	}
	return ResolvedComment{
		Author:    author,
		Timestamp: c.Message.Timestamp.Format(commentTimeLayout),
		Text:      truncateText(c.Message.Text, f.maxTextLen()),
	}
}

// resolveNames memoizes one lookup per distinct sender across the batch.
func (f *Formatter) resolveNames(ctx context.Context, buckets map[int64][]CommentCandidate) map[int64]string {
	senders := make(map[int64]struct{})
	for _, bucket := range buckets {
		for _, c := range bucket {
			if c.Message.SenderID != 0 {
				senders[c.Message.SenderID] = struct{}{}
			}
		}
	}
	if len(senders) == 0 || f.Names == nil {
		return nil
	}

	var mu sync.Mutex
	names := make(map[int64]string, len(senders))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.lookupLimit())

	for senderID := range senders {
		g.Go(func() error {
			lookupCtx, cancel := context.WithTimeout(gctx, f.lookupTimeout())
			defer cancel()

			name, err := f.Names.ResolveSenderName(lookupCtx, senderID)
			if err != nil {
				if f.Logger != nil {
					f.Logger.Debug("Sender name lookup failed",
						zap.Int64("sender_id", senderID), zap.Error(err))
				}
				return nil
			}
			mu.Lock()
			names[senderID] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // lookups never surface errors, they degrade to Unknown

	return names
}

func (f *Formatter) maxTextLen() int {
	if f.MaxTextLen > 0 {
		return f.MaxTextLen
	}
	return 500
}

func (f *Formatter) lookupLimit() int {
	if f.LookupLimit > 0 {
		return f.LookupLimit
	}
	return 8
}

func (f *Formatter) lookupTimeout() time.Duration {
	if f.LookupTimeout > 0 {
		return f.LookupTimeout
	}
	return 5 * time.Second
}

// truncateText caps s at max runes, appending an ellipsis when cut.
func truncateText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
