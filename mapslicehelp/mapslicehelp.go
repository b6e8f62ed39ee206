package mapslicehelp

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// OrderedMapValues returns the values in insertion order, keeping only those accepted by keep (nil keeps all)
func OrderedMapValues[K comparable, V any](m *orderedmap.OrderedMap[K, V], keep func(V) bool) []V {
	l := make([]V, 0, m.Len())
	for p := m.Oldest(); p != nil; p = p.Next() {
		if keep == nil || keep(p.Value) {
			l = append(l, p.Value)
		}
	}
	return l
}
