package orchestrator

import (
	"sync"

	"github.com/niamoto/niamoto-core/internal/plugins"
)

// payloadStore holds every widget payload produced during a run, addressed
// by (group_by entity, group key, widget name) per spec.md §4.5's
// WidgetPayload data model. It is safe for concurrent writers, since pure
// widgets may run across groups on the bounded worker pool.
type payloadStore struct {
	mu   sync.RWMutex
	data map[string]plugins.Payload
}

func newPayloadStore() *payloadStore {
	return &payloadStore{data: make(map[string]plugins.Payload)}
}

func payloadKey(groupBy, groupKey, widget string) string {
	return groupBy + "\x00" + groupKey + "\x00" + widget
}

func (s *payloadStore) set(groupBy, groupKey, widget string, p plugins.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[payloadKey(groupBy, groupKey, widget)] = p
}

func (s *payloadStore) get(groupBy, groupKey, widget string) (plugins.Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[payloadKey(groupBy, groupKey, widget)]
	return p, ok
}

// payloadsFor returns the payloads recorded for the named widgets of one
// (groupBy, groupKey) pair, in the caller's requested order, each tagged
// with "__widget"/"__group" so an Exporter can tell which widget and group
// a payload came from once many are collected into one slice. A widget with
// no recorded payload (its Transform failed and was skipped) is omitted.
func (s *payloadStore) payloadsFor(groupBy, groupKey string, widgets []string) []plugins.Payload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plugins.Payload, 0, len(widgets))
	for _, name := range widgets {
		p, ok := s.data[payloadKey(groupBy, groupKey, name)]
		if !ok {
			continue
		}
		tagged := make(plugins.Payload, len(p)+2)
		for k, v := range p {
			tagged[k] = v
		}
		tagged["__widget"] = name
		tagged["__group"] = groupKey
		out = append(out, tagged)
	}
	return out
}
