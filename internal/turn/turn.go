// Package turn defines the conversation entry exchanged between the
// conversation core and its presentation layer, and the normalizer that maps
// stored or legacy shapes onto it.
package turn

import (
	"strings"
	"time"
)

// Sender identifies who authored a turn.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

const (
	DefaultUserAvatar = "/user-avatar.png"
	DefaultBotAvatar  = "/bot-avatar.png"

	// ImagePlaceholder stands in for the text of an image-only user turn.
	ImagePlaceholder = "[Image]"
)

// Turn is one conversation entry in canonical shape.
type Turn struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Images    []string  `json:"images"`
	Timestamp time.Time `json:"timestamp"`
	Avatar    string    `json:"avatar"`
	Sources   []string  `json:"sources"`
	Error     bool      `json:"error,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
}

// IsUser reports whether the turn was authored by the user.
func (t Turn) IsUser() bool { return t.Sender == SenderUser }

// Empty reports whether the turn carries neither text nor images.
func (t Turn) Empty() bool { return t.Text == "" && len(t.Images) == 0 }

// StripImagePlaceholder removes a trailing image marker (and the single
// space before it) from text recalled for editing.
func StripImagePlaceholder(text string) string {
	if !strings.HasSuffix(text, ImagePlaceholder) {
		return text
	}
	return strings.TrimSuffix(strings.TrimSuffix(text, ImagePlaceholder), " ")
}

// AvatarFor returns the default avatar of a sender.
func AvatarFor(s Sender) string {
	if s == SenderUser {
		return DefaultUserAvatar
	}
	return DefaultBotAvatar
}

// Stamp returns the canonical form of a creation instant: UTC, without a
// monotonic reading, so it survives a JSON round trip unchanged.
func Stamp(t time.Time) time.Time {
	return t.UTC().Round(0)
}
