package store

import "time"

// Entry is the codec-facing representation of one keyspace entry, used by
// the snapshot package to serialize and restore a Store without either
// package reaching into the other's internals.
type Entry struct {
	Key  string
	Kind Kind

	Str  []byte
	List [][]byte
	Set  [][]byte
	Hash map[string][]byte

	HasTTL bool
	// RemainingMillis is the time to live at the moment of export, per
	// the snapshot codec's expiry-normalization rule: negative or zero
	// means already expired.
	RemainingMillis int64
}

// Export walks the whole keyspace and returns one Entry per live key,
// already-expired keys included (RemainingMillis <= 0) — callers that
// don't want them should CollectExpired before exporting, which is what
// snapshot.Save does.
func (s *Store) Export() []Entry {
	entries := make([]Entry, 0, s.Size())

	for k := 0; k < kindCount; k++ {
		for b := 0; b < bucketCount; b++ {
			for key, it := range s.data[k][b] {
				e := Entry{Key: key, Kind: Kind(k)}
				switch it.kind {
				case KindString:
					e.Str = it.str
				case KindList:
					e.List = it.list
				case KindSet:
					e.Set = make([][]byte, 0, len(it.set))
					for m := range it.set {
						e.Set = append(e.Set, []byte(m))
					}
				case KindHash:
					e.Hash = it.hash
				}

				if deadline, ok := s.expiry[key]; ok {
					e.HasTTL = true
					remaining := deadline - s.clock.Now().UnixNano()
					e.RemainingMillis = remaining / int64(time.Millisecond)
				}

				entries = append(entries, e)
			}
		}
	}

	return entries
}

// Import rebuilds the store's contents from entries, as produced by
// Export or decoded by the snapshot codec. It must be called on an empty
// store. Entries whose RemainingMillis <= 0 (already expired by the time
// they were loaded) are dropped.
func (s *Store) Import(entries []Entry) {
	for _, e := range entries {
		if e.HasTTL && e.RemainingMillis <= 0 {
			continue
		}

		b := bucketOf(e.Key)
		switch e.Kind {
		case KindString:
			s.data[KindString][b][e.Key] = newStringItem(e.Str)
		case KindList:
			s.data[KindList][b][e.Key] = newListItem(e.List)
		case KindSet:
			set := make(map[string]struct{}, len(e.Set))
			for _, m := range e.Set {
				set[string(m)] = struct{}{}
			}
			s.data[KindSet][b][e.Key] = newSetItem(set)
		case KindHash:
			s.data[KindHash][b][e.Key] = newHashItem(e.Hash)
		default:
			continue
		}

		it := s.data[e.Kind][b][e.Key]
		s.trackAdd(len(e.Key) + it.bytesLen())
		s.touchLRU(e.Key)

		if e.HasTTL {
			s.expiry[e.Key] = s.clock.Now().Add(time.Duration(e.RemainingMillis) * time.Millisecond).UnixNano()
		}
	}
}
