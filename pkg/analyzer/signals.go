package analyzer

import (
	"regexp"
	"strconv"
	"strings"
)

// SignalKind names the piece of evidence that linked a discussion message
// to a post.
type SignalKind int

const (
	SignalReply SignalKind = iota
	SignalForward
	SignalTextPattern
)

func (k SignalKind) String() string {
	switch k {
	case SignalReply:
		return "reply"
	case SignalForward:
		return "forward"
	default:
		return "text_pattern"
	}
}

// CommentCandidate is a discussion message attributed to a post by one signal.
// Transient: produced by the extractor chain, consumed by the resolver.
type CommentCandidate struct {
	Message NormalizedMessage
	PostID  int64
	Signal  SignalKind
}

// MatchContext carries everything the extractors need to validate a signal
// against the channel under analysis. Built once per resolve pass.
type MatchContext struct {
	ChannelID       int64
	ChannelUsername string // lowercase, empty for channels without one
	PostIDs         map[int64]struct{}
}

// NewMatchContext builds a MatchContext from the channel identity and its
// post set.
func NewMatchContext(channelID int64, channelUsername string, posts []Post) MatchContext {
	ids := make(map[int64]struct{}, len(posts))
	for _, p := range posts {
		ids[p.ID] = struct{}{}
	}
	return MatchContext{
		ChannelID:       channelID,
		ChannelUsername: strings.ToLower(channelUsername),
		PostIDs:         ids,
	}
}

func (mc MatchContext) knownPost(id int64) bool {
	_, ok := mc.PostIDs[id]
	return ok
}

var (
	privateLinkRe = regexp.MustCompile(`t\.me/c/(\d+)/(\d+)`)
	publicLinkRe  = regexp.MustCompile(`(?i)t\.me/(?:s/)?([a-z0-9_]+)/(\d+)`)
	hashMarkerRe  = regexp.MustCompile(`#(\d+)\b`)
)

// ExtractSignal runs the extractor chain over a discussion message in
// precedence order: reply, forward, text pattern. The first extractor that
// yields a candidate wins and evaluation stops, so a message is never
// attributed to more than one post. Channel-authored messages (the
// auto-posted broadcast copies) never match.
func ExtractSignal(msg NormalizedMessage, mc MatchContext) (CommentCandidate, bool) {
	if msg.AuthorIsChannel {
		return CommentCandidate{}, false
	}
	if c, ok := extractReply(msg, mc); ok {
		return c, true
	}
	if c, ok := extractForward(msg, mc); ok {
		return c, true
	}
	return extractTextPattern(msg, mc)
}

// extractReply matches a direct reply reference to a known post id, the most
// reliable signal the platform provides.
func extractReply(msg NormalizedMessage, mc MatchContext) (CommentCandidate, bool) {
	if msg.ReplyToID == 0 || !mc.knownPost(msg.ReplyToID) {
		return CommentCandidate{}, false
	}
	return CommentCandidate{Message: msg, PostID: msg.ReplyToID, Signal: SignalReply}, true
}

// extractForward matches forwarded-message provenance pointing back at the
// channel and a known post id.
func extractForward(msg NormalizedMessage, mc MatchContext) (CommentCandidate, bool) {
	fwd := msg.Forward
	if fwd == nil || fwd.ChatID != mc.ChannelID || !mc.knownPost(fwd.MessageID) {
		return CommentCandidate{}, false
	}
	return CommentCandidate{Message: msg, PostID: fwd.MessageID, Signal: SignalForward}, true
}

// extractTextPattern matches free-text references to a post: a private
// permalink t.me/c/<channelID>/<postID>, a public permalink
// t.me/<username>/<postID>, or a bare #<postID> marker. Deliberately the
// last resort, since free text can coincidentally match.
func extractTextPattern(msg NormalizedMessage, mc MatchContext) (CommentCandidate, bool) {
	if msg.Text == "" {
		return CommentCandidate{}, false
	}

	candidate := func(id int64) (CommentCandidate, bool) {
		return CommentCandidate{Message: msg, PostID: id, Signal: SignalTextPattern}, true
	}

	for _, m := range privateLinkRe.FindAllStringSubmatch(msg.Text, -1) {
		chatID, err1 := strconv.ParseInt(m[1], 10, 64)
		postID, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if chatID == mc.ChannelID && mc.knownPost(postID) {
			return candidate(postID)
		}
	}

	if mc.ChannelUsername != "" {
		for _, m := range publicLinkRe.FindAllStringSubmatch(msg.Text, -1) {
			if strings.ToLower(m[1]) != mc.ChannelUsername {
				continue
			}
			postID, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				continue
			}
			if mc.knownPost(postID) {
				return candidate(postID)
			}
		}
	}

	for _, m := range hashMarkerRe.FindAllStringSubmatch(msg.Text, -1) {
		postID, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if mc.knownPost(postID) {
			return candidate(postID)
		}
	}

	return CommentCandidate{}, false
}
