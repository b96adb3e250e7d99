package store

// Scan implements a stateless, resumable traversal of the keyspace. The
// cursor is a global bucket index (see bucketOf and bucketCount): each
// call scans whole buckets, in order, until at least count keys have
// been collected or the keyspace is exhausted, then returns the bucket to
// resume at. 0 means "start from the beginning" and is also returned once
// traversal is complete — scanning never legitimately revisits bucket 0,
// so the sentinel is unambiguous.
//
// Because bucket assignment depends only on a key's hash, not on how many
// keys currently exist, a cursor stays valid even if keys are added or
// removed between calls — unlike an index into a freshly sorted key
// list, which shifts under concurrent mutation.
func (s *Store) Scan(cursor, count int, pattern string) (next int, keys []string) {
	if count <= 0 {
		count = 10
	}
	matchAll := pattern == "" || pattern == "*"

	totalBuckets := kindCount * bucketCount
	if cursor < 0 || cursor >= totalBuckets {
		cursor = 0
	}

	b := cursor
	for b < totalBuckets {
		kind := b / bucketCount
		bucket := b % bucketCount

		for key := range s.data[kind][bucket] {
			if s.expireIfDue(key) {
				continue
			}
			if matchAll || globMatch(pattern, key) {
				keys = append(keys, key)
			}
		}

		b++
		if len(keys) >= count {
			break
		}
	}

	if b >= totalBuckets {
		return 0, keys
	}
	return b, keys
}
