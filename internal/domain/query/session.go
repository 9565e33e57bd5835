package query

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/event"
)

// DefaultSessionFields names the event fields (drawn from Extra, or the
// well-known SourceAddr/DestAddr) used to derive a streaming session key.
// Default per §3: {source-ip, destination-ip, user-name, session-id}.
var DefaultSessionFields = []string{"source_ip", "destination_ip", "user_name", "session_id"}

// SessionKey is the logical grouping key derived from the configured
// session fields (§3's streaming "Session" concept — unrelated to the
// connection-level auth.Session).
type SessionKey string

// KeyFor computes the session key for e using fields, falling back to the
// well-known SourceAddr/DestAddr when a field names them.
func KeyFor(e event.Event, fields []string) SessionKey {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		switch f {
		case "source_ip":
			parts = append(parts, e.SourceAddr)
		case "destination_ip":
			parts = append(parts, e.DestAddr)
		default:
			if v, ok := e.Extra[f]; ok {
				parts = append(parts, toStringValue(v))
			} else {
				parts = append(parts, "")
			}
		}
	}
	return SessionKey(strings.Join(parts, "\x1f"))
}

func toStringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return ""
	}
}

// Session is one logical group of events sharing a SessionKey, split
// further when a gap between consecutive events exceeds maxGap (§4.8).
type Session struct {
	Key    SessionKey
	Events []event.Event
}

// GroupSessions groups chronologically-ordered events by SessionKey,
// additionally splitting a session whenever consecutive events within it
// are more than maxGap apart, per §4.8 step 2.
func GroupSessions(events []event.Event, fields []string, maxGap time.Duration) []Session {
	type openSession struct {
		key      SessionKey
		last     time.Time
		sess     *Session
	}

	order := []*openSession{}
	byKey := map[SessionKey]*openSession{}

	for _, e := range events {
		key := KeyFor(e, fields)
		os, ok := byKey[key]
		if ok && e.Timestamp.Sub(os.last) > maxGap {
			// Gap too large: close this session's slot and start a fresh one
			// under the same key (distinct Session value, same grouping key).
			ok = false
		}
		if !ok {
			ns := &openSession{key: key, last: e.Timestamp, sess: &Session{Key: key}}
			order = append(order, ns)
			byKey[key] = ns
			os = ns
		}
		os.sess.Events = append(os.sess.Events, e)
		os.last = e.Timestamp
	}

	out := make([]Session, 0, len(order))
	for _, os := range order {
		out = append(out, *os.sess)
	}
	return out
}

// SortByTimeAscThenID sorts events per the streaming engine's required
// order: timestamp asc, id asc.
func SortByTimeAscThenID(events []event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID.DocID < events[j].ID.DocID
	})
}
