package analyzer

import (
	"sort"
)

// DefaultMaxCommentsPerPost caps the comment list attached to a single post.
const DefaultMaxCommentsPerPost = 10

// Resolver groups discussion messages into per-post comment buckets.
type Resolver struct {
	// MaxPerPost caps each bucket after sorting. Zero means the default.
	MaxPerPost int
}

type bucketKey struct {
	postID    int64
	messageID int64
}

// Resolve runs the extractor chain over the discussion messages in a single
// pass and returns an index from post id to its comment candidates, sorted
// by timestamp ascending and truncated to the earliest MaxPerPost entries.
//
// Candidates are deduplicated on (postID, messageID), so feeding the same
// message twice (overlapping paginated fetches) cannot double count, and
// resolving the same input twice yields identical buckets. Absence of a
// match is not an error; messages that match nothing are discarded.
func (r *Resolver) Resolve(mc MatchContext, discussion []NormalizedMessage) map[int64][]CommentCandidate {
	max := r.MaxPerPost
	if max <= 0 {
		max = DefaultMaxCommentsPerPost
	}

	buckets := make(map[int64][]CommentCandidate)
	seen := make(map[bucketKey]struct{}, len(discussion))

	for _, msg := range discussion {
		candidate, ok := ExtractSignal(msg, mc)
		if !ok {
			continue
		}
		key := bucketKey{postID: candidate.PostID, messageID: msg.ID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		buckets[candidate.PostID] = append(buckets[candidate.PostID], candidate)
	}

	for postID, bucket := range buckets {
		sort.Slice(bucket, func(i, j int) bool {
			a, b := bucket[i].Message, bucket[j].Message
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.ID < b.ID
		})
		if len(bucket) > max {
			bucket = bucket[:max]
		}
		buckets[postID] = bucket
	}

	return buckets
}
