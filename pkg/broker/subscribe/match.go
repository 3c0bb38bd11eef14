// Package subscribe implements SubscribeManager: the registry of
// per-client and per-shared-group subscriptions, MQTT topic-filter
// matching, and the dispatch loops that push journal records to
// connected subscribers.
package subscribe

import "strings"

// shareGroupPrefix and its companion separator delimit a shared
// subscription filter: $share/<group>/<filter>.
const shareGroupPrefix = "$share/"

// sysTopicPrefix marks a system topic: a leading $SYS topic only matches
// a subscription filter that literally starts with $SYS.
const sysTopicPrefix = "$SYS"

// ParseFilter splits a raw subscription filter into its share group (empty
// for an ordinary subscription) and the underlying match filter.
func ParseFilter(raw string) (group, filter string) {
	if !strings.HasPrefix(raw, shareGroupPrefix) {
		return "", raw
	}
	rest := raw[len(shareGroupPrefix):]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", raw
	}
	return rest[:idx], rest[idx+1:]
}

// MatchTopic reports whether topic matches filter under the MQTT
// wildcard grammar: '+' matches exactly one level, '#' (only legal as
// the final level) matches the remainder of the topic including zero
// levels. Matching is case-sensitive. A topic beginning with $SYS only
// matches a filter that itself begins with $SYS — '+' and '#' at the
// first level never implicitly reach into $SYS.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, sysTopicPrefix) != strings.HasPrefix(filter, sysTopicPrefix) {
		return false
	}

	fLevels := strings.Split(filter, "/")
	tLevels := strings.Split(topic, "/")

	for i, f := range fLevels {
		if f == "#" {
			return i == len(fLevels)-1
		}
		if i >= len(tLevels) {
			return false
		}
		if f == "+" {
			continue
		}
		if f != tLevels[i] {
			return false
		}
	}
	return len(fLevels) == len(tLevels)
}

// ValidFilter reports whether a subscription filter is well-formed: '#'
// may only appear as, and fill, the final level; '+' may only appear as
// a whole level.
func ValidFilter(filter string) bool {
	levels := strings.Split(filter, "/")
	for i, lvl := range levels {
		if strings.Contains(lvl, "#") && (lvl != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(lvl, "+") && lvl != "+" {
			return false
		}
	}
	return true
}
