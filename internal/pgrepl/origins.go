package pgrepl

import "cdc-json/internal/decoding"

// originMap assigns stable non-zero ids to replication origin names in the
// order they are first seen.
type originMap struct {
	ids  map[string]decoding.OriginID
	next decoding.OriginID
}

func newOriginMap() *originMap {
	return &originMap{ids: make(map[string]decoding.OriginID), next: decoding.InvalidOriginID + 1}
}

func (m *originMap) id(name string) decoding.OriginID {
	if id, ok := m.ids[name]; ok {
		return id
	}
	id := m.next
	m.ids[name] = id
	m.next++
	return id
}
