package instagram

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"dmagent/internal/domain"
)

// Payload is a parsed webhook notification. Entries stay raw until iterated so a
// single malformed entry or change can be skipped without losing the batch.
type Payload struct {
	Object  string
	entries []json.RawMessage
}

type rawPayload struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type rawEntry struct {
	ID      flexString        `json:"id"`
	Time    flexTime          `json:"time"`
	Changes []json.RawMessage `json:"changes"`
}

type rawChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type rawActor struct {
	ID       flexString `json:"id"`
	Username string     `json:"username"`
}

type rawMedia struct {
	ID flexString `json:"id"`
}

type rawValue struct {
	From      *rawActor  `json:"from"`
	UserID    flexString `json:"user_id"`
	ID        flexString `json:"id"`
	Username  string     `json:"username"`
	MediaID   flexString `json:"media_id"`
	Media     *rawMedia  `json:"media"`
	Timestamp flexTime   `json:"timestamp"`
}

// ParsePayload rejects bodies that are not a JSON object with an entry list.
func ParsePayload(body []byte) (Payload, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return Payload{Object: strings.TrimSpace(raw.Object), entries: raw.Entry}, nil
}

func (p Payload) Follows() iter.Seq[domain.IncomingEvent] { return p.events(domain.KindFollow) }

func (p Payload) Likes() iter.Seq[domain.IncomingEvent] { return p.events(domain.KindLike) }

// Events yields all follows, then all likes.
func (p Payload) Events() iter.Seq[domain.IncomingEvent] {
	return func(yield func(domain.IncomingEvent) bool) {
		for _, seq := range []iter.Seq[domain.IncomingEvent]{p.Follows(), p.Likes()} {
			for ev := range seq {
				if !yield(ev) {
					return
				}
			}
		}
	}
}

func (p Payload) events(kind domain.EventKind) iter.Seq[domain.IncomingEvent] {
	return func(yield func(domain.IncomingEvent) bool) {
		for _, rawE := range p.entries {
			var entry rawEntry
			if err := json.Unmarshal(rawE, &entry); err != nil {
				continue
			}
			for _, rawC := range entry.Changes {
				var change rawChange
				if err := json.Unmarshal(rawC, &change); err != nil {
					continue
				}
				if k, ok := fieldKind(change.Field); !ok || k != kind {
					continue
				}
				ev, ok := extract(kind, entry, change)
				if !ok {
					continue
				}
				if !yield(ev) {
					return
				}
			}
		}
	}
}

func fieldKind(field string) (domain.EventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "follows", "follow", "followers":
		return domain.KindFollow, true
	case "likes", "like":
		return domain.KindLike, true
	}
	return "", false
}

func extract(kind domain.EventKind, entry rawEntry, change rawChange) (domain.IncomingEvent, bool) {
	if len(change.Value) == 0 {
		return domain.IncomingEvent{}, false
	}
	var v rawValue
	if err := json.Unmarshal(change.Value, &v); err != nil {
		return domain.IncomingEvent{}, false
	}

	actorID, username := v.actor(kind)
	if actorID == "" {
		return domain.IncomingEvent{}, false
	}

	stamp := v.Timestamp
	if stamp.IsZero() {
		stamp = entry.Time
	}
	occurred := occurrence(stamp, change.Value)

	var key string
	switch kind {
	case domain.KindFollow:
		key = "follow:" + actorID + ":" + occurred
	case domain.KindLike:
		target := v.MediaID.String()
		if target == "" && v.Media != nil {
			target = v.Media.ID.String()
		}
		if target == "" {
			target = entry.ID.String()
		}
		key = "like:" + actorID + ":" + target + ":" + occurred
	}

	return domain.IncomingEvent{
		Kind:             kind,
		ExternalUserID:   actorID,
		ExternalUsername: username,
		SourceEventKey:   key,
	}, true
}

func (v rawValue) actor(kind domain.EventKind) (id, username string) {
	if v.From != nil {
		id, username = v.From.ID.String(), strings.TrimSpace(v.From.Username)
	}
	if id == "" {
		id = v.UserID.String()
	}
	// For follow notifications the value's own id is the follower.
	if id == "" && kind == domain.KindFollow {
		id = v.ID.String()
	}
	if username == "" {
		username = strings.TrimSpace(v.Username)
	}
	return id, username
}

// occurrence is the time component of a dedup key. Without any platform timestamp
// it falls back to a digest of the change value, which is identical on redelivery.
func occurrence(t flexTime, value json.RawMessage) string {
	if !t.IsZero() {
		return t.UTC().Format(time.RFC3339)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		compact.Reset()
		compact.Write(value)
	}
	sum := sha256.Sum256(compact.Bytes())
	return "h" + hex.EncodeToString(sum[:16])
}

// flexString accepts ids sent as JSON strings or numbers.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

func (s flexString) String() string { return string(s) }

// flexTime accepts unix seconds (or milliseconds), numeric strings, RFC3339 and the
// Graph API "+0000" offset layout. Unrecognised values decode as zero.
type flexTime struct {
	time.Time
}

const graphTimeLayout = "2006-01-02T15:04:05-0700"

func (t *flexTime) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(data, &n); err == nil {
			t.Time = fromUnix(n.String())
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return nil
	}
	str = strings.TrimSpace(str)
	for _, layout := range []string{time.RFC3339Nano, graphTimeLayout} {
		if parsed, err := time.Parse(layout, str); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	t.Time = fromUnix(str)
	return nil
}

func fromUnix(s string) time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}
