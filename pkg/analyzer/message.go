package analyzer

import (
	"fmt"
	"time"

	"github.com/gotd/td/tg"
)

// MediaKind classifies the media attached to a message.
type MediaKind int

const (
	MediaKindNone MediaKind = iota
	MediaKindPhoto
	MediaKindVideo
	MediaKindDocument
	MediaKindAudio
	MediaKindSticker
	MediaKindPoll
	MediaKindWebPage
	MediaKindGame
	MediaKindOther
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindNone:
		return "none"
	case MediaKindPhoto:
		return "photo"
	case MediaKindVideo:
		return "video"
	case MediaKindDocument:
		return "document"
	case MediaKindAudio:
		return "audio"
	case MediaKindSticker:
		return "sticker"
	case MediaKindPoll:
		return "poll"
	case MediaKindWebPage:
		return "webpage"
	case MediaKindGame:
		return "game"
	default:
		return "media"
	}
}

// ForwardOrigin records the provenance of a verbatim forward of a channel post.
type ForwardOrigin struct {
	ChatID    int64
	MessageID int64
}

// NormalizedMessage is the uniform internal view of any fetched message,
// post or discussion message alike. Zero values stand in for absent fields:
// ReplyToID == 0 means not a reply, SenderID == 0 means no identifiable sender.
type NormalizedMessage struct {
	ID              int64
	ChatID          int64
	Timestamp       time.Time // always UTC
	Text            string
	Media           MediaKind
	ReplyToID       int64
	Forward         *ForwardOrigin
	SenderID        int64
	AuthorIsChannel bool
}

// Post is a channel post with its aggregated counters and permalink.
type Post struct {
	NormalizedMessage
	Views            int
	Reactions        int
	Forwards         int
	ExpectedComments int
	Permalink        string
}

// Normalize converts a raw fetched message into a NormalizedMessage.
// It reports false for message classes that are neither posts nor comments
// (service messages, deleted placeholders). For regular messages it is total:
// unknown or partially populated fields degrade to safe defaults.
func Normalize(raw tg.MessageClass) (NormalizedMessage, bool) {
	msg, ok := raw.(*tg.Message)
	if !ok {
		return NormalizedMessage{}, false
	}

	nm := NormalizedMessage{
		ID:        int64(msg.ID),
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
		Text:      msg.Message,
		Media:     MediaKindNone,
	}

	switch peer := msg.PeerID.(type) {
	case *tg.PeerChannel:
		nm.ChatID = peer.ChannelID
	case *tg.PeerChat:
		nm.ChatID = peer.ChatID
	case *tg.PeerUser:
		nm.ChatID = peer.UserID
	}

	if media, ok := msg.GetMedia(); ok {
		nm.Media = mediaKind(media)
	}

	if header, ok := msg.GetReplyTo(); ok {
		if h, ok := header.(*tg.MessageReplyHeader); ok {
			if id, ok := h.GetReplyToMsgID(); ok {
				nm.ReplyToID = int64(id)
			}
		}
	}

	if fwd, ok := msg.GetFwdFrom(); ok {
		nm.Forward = forwardOrigin(fwd)
	}

	if from, ok := msg.GetFromID(); ok {
		switch peer := from.(type) {
		case *tg.PeerUser:
			nm.SenderID = peer.UserID
		case *tg.PeerChannel:
			nm.AuthorIsChannel = true
		}
	}
	// Posts carry the channel's own post flag even when FromID is absent.
	if msg.Post {
		nm.AuthorIsChannel = true
	}

	return nm, true
}

// forwardOrigin extracts channel-post provenance from a forward header.
// Forwards of anything other than a channel post (user forwards, hidden
// origins) yield nil.
func forwardOrigin(fwd tg.MessageFwdHeader) *ForwardOrigin {
	from, ok := fwd.GetFromID()
	if !ok {
		return nil
	}
	channel, ok := from.(*tg.PeerChannel)
	if !ok {
		return nil
	}
	post, ok := fwd.GetChannelPost()
	if !ok {
		return nil
	}
	return &ForwardOrigin{ChatID: channel.ChannelID, MessageID: int64(post)}
}

func mediaKind(media tg.MessageMediaClass) MediaKind {
	switch m := media.(type) {
	case *tg.MessageMediaEmpty:
		return MediaKindNone
	case *tg.MessageMediaPhoto:
		return MediaKindPhoto
	case *tg.MessageMediaDocument:
		return documentKind(m)
	case *tg.MessageMediaPoll:
		return MediaKindPoll
	case *tg.MessageMediaWebPage:
		return MediaKindWebPage
	case *tg.MessageMediaGame:
		return MediaKindGame
	default:
		return MediaKindOther
	}
}

// documentKind refines a generic document by its attributes.
func documentKind(m *tg.MessageMediaDocument) MediaKind {
	doc, ok := m.GetDocument()
	if !ok {
		return MediaKindDocument
	}
	d, ok := doc.(*tg.Document)
	if !ok {
		return MediaKindDocument
	}
	for _, attr := range d.Attributes {
		switch attr.(type) {
		case *tg.DocumentAttributeSticker:
			return MediaKindSticker
		case *tg.DocumentAttributeVideo:
			return MediaKindVideo
		case *tg.DocumentAttributeAudio:
			return MediaKindAudio
		}
	}
	return MediaKindDocument
}

// PostFromMessage builds a Post from a raw channel message, reading the
// platform counters through their flag-checked getters. The reply counter
// feeds ExpectedComments; it only drives the decision to attempt comment
// correlation, never the result size.
func PostFromMessage(raw tg.MessageClass, channelID int64, channelUsername string) (Post, bool) {
	nm, ok := Normalize(raw)
	if !ok {
		return Post{}, false
	}

	msg := raw.(*tg.Message)
	post := Post{NormalizedMessage: nm}

	if views, ok := msg.GetViews(); ok {
		post.Views = views
	}
	if forwards, ok := msg.GetForwards(); ok {
		post.Forwards = forwards
	}
	if reactions, ok := msg.GetReactions(); ok {
		for _, r := range reactions.Results {
			post.Reactions += r.Count
		}
	}
	if replies, ok := msg.GetReplies(); ok {
		post.ExpectedComments = replies.Replies
	}

	post.Permalink = Permalink(channelID, channelUsername, nm.ID)
	return post, true
}

// Permalink builds the public t.me link for a post, falling back to the
// private c/ form for channels without a username.
func Permalink(channelID int64, channelUsername string, postID int64) string {
	if channelUsername != "" {
		return fmt.Sprintf("https://t.me/%s/%d", channelUsername, postID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", channelID, postID)
}
