package turn

import "time"

// Record is the persisted shape of a turn. Besides the canonical fields it
// accepts the legacy role/content/message_id aliases written by older
// clients. Records are stored as read and only normalized on the way out.
type Record struct {
	Sender    string   `json:"sender,omitempty"`
	Role      string   `json:"role,omitempty"`
	Text      string   `json:"text,omitempty"`
	Content   string   `json:"content,omitempty"`
	Images    []string `json:"images,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Avatar    string   `json:"avatar,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	Error     bool     `json:"error,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	LegacyID  string   `json:"message_id,omitempty"`
}

// ToRecord converts a canonical turn into its persisted shape.
func ToRecord(t Turn) Record {
	r := Record{
		Sender:    string(t.Sender),
		Text:      t.Text,
		Images:    clone(t.Images),
		Avatar:    t.Avatar,
		Sources:   clone(t.Sources),
		Error:     t.Error,
		MessageID: t.MessageID,
	}
	if !t.Timestamp.IsZero() {
		r.Timestamp = t.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return r
}

// Normalize maps a stored record onto the canonical turn. now is used only
// when the record has no usable timestamp. The record is not modified.
func Normalize(r Record, now time.Time) Turn {
	sender := SenderBot
	if first(r.Sender, r.Role) == string(SenderUser) {
		sender = SenderUser
	}

	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if r.Timestamp == "" || err != nil {
		ts = now
	}

	avatar := r.Avatar
	if avatar == "" {
		avatar = AvatarFor(sender)
	}

	return Turn{
		Sender:    sender,
		Text:      first(r.Text, r.Content),
		Images:    clone(r.Images),
		Timestamp: Stamp(ts),
		Avatar:    avatar,
		Sources:   clone(r.Sources),
		Error:     r.Error,
		MessageID: first(r.MessageID, r.LegacyID),
	}
}

// NormalizeAll normalizes a sequence of records, preserving order.
func NormalizeAll(rs []Record, now time.Time) []Turn {
	out := make([]Turn, len(rs))
	for i, r := range rs {
		out[i] = Normalize(r, now)
	}
	return out
}

func first(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// clone returns a non-nil copy so callers never share backing arrays.
func clone(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
