package analyzer

import "time"

// postTextLimit caps the post content carried into a PostRecord.
const postTextLimit = 1000

// CommentsCountPolicy selects what the CommentsCount field of a PostRecord
// reports. The resolved count is the internally consistent choice; the
// platform counter is kept as a policy for callers matching prior behavior,
// since the two legitimately diverge when the signals miss comments.
type CommentsCountPolicy int

const (
	// CountResolved reports the size of the resolved bucket after truncation.
	CountResolved CommentsCountPolicy = iota
	// CountPlatform reports the platform's own reply counter.
	CountPlatform
)

// CommentsCountPolicyFromString maps the configuration value to a policy,
// defaulting to CountResolved.
func CommentsCountPolicyFromString(s string) CommentsCountPolicy {
	if s == "platform" {
		return CountPlatform
	}
	return CountResolved
}

// PostRecord is the final per-post record handed to the boundary layer.
type PostRecord struct {
	ID            int64
	Date          time.Time
	Kind          string
	Views         int
	Reactions     int
	Forwards      int
	CommentsCount int
	Text          string
	Permalink     string
	Comments      []ResolvedComment
}

// Aggregate merges a post's metadata with its resolved comment list.
// Pure: no field of the inputs is mutated.
func Aggregate(post Post, comments []ResolvedComment, policy CommentsCountPolicy) PostRecord {
	record := PostRecord{
		ID:        post.ID,
		Date:      post.Timestamp,
		Kind:      postKind(post.Media),
		Views:     post.Views,
		Reactions: post.Reactions,
		Forwards:  post.Forwards,
		Text:      truncateText(post.Text, postTextLimit),
		Permalink: post.Permalink,
		Comments:  comments,
	}
	if policy == CountPlatform {
		record.CommentsCount = post.ExpectedComments
	} else {
		record.CommentsCount = len(comments)
	}
	return record
}

// postKind labels the post type for the boundary layer.
func postKind(media MediaKind) string {
	if media == MediaKindNone {
		return "text"
	}
	return media.String()
}
