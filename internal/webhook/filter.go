package webhook

import (
	"strings"

	"lanepool/internal/domain"
)

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter parses a subscription filter: the wildcard or a
// comma-separated list of event types. Matching is exact after trimming.
func newEventFilter(list string) eventFilter {
	set := make(map[string]struct{})
	for _, evt := range strings.Split(list, ",") {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if key == domain.SubscriptionWildcard {
			return eventFilter{all: true}
		}
		set[key] = struct{}{}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

// Matches reports whether a subscription filter selects evtType.
func Matches(filter, evtType string) bool {
	return newEventFilter(filter).match(evtType)
}

// NormalizeFilter trims the entries of a filter and drops empty ones.
// An empty result or one containing the wildcard collapses to "*".
func NormalizeFilter(filter string) string {
	f := newEventFilter(filter)
	if f.all || len(f.set) == 0 {
		return domain.SubscriptionWildcard
	}
	var parts []string
	for _, evt := range strings.Split(filter, ",") {
		key := strings.TrimSpace(evt)
		if _, ok := f.set[key]; ok {
			parts = append(parts, key)
			delete(f.set, key)
		}
	}
	return strings.Join(parts, ",")
}
