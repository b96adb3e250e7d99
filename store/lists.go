package store

// LPush inserts values at the head of the list stored at key, creating it
// if absent, and returns the new length.
func (s *Store) LPush(key string, values [][]byte) (int, error) {
	return s.push(key, values, true)
}

// RPush inserts values at the tail of the list stored at key, creating it
// if absent, and returns the new length.
func (s *Store) RPush(key string, values [][]byte) (int, error) {
	return s.push(key, values, false)
}

func (s *Store) push(key string, values [][]byte, head bool) (int, error) {
	s.expireIfDue(key)

	added := 0
	for _, v := range values {
		added += len(v)
	}

	it, kind, ok := s.findItem(key)
	if ok {
		if kind != KindList {
			return 0, ErrTypeConflict
		}
		if !s.admit(added) {
			return 0, ErrOutOfMemory
		}
		if head {
			// each value is prepended in turn, so the last argument ends
			// up closest to the head — LPUSH's fan-in order.
			for _, v := range values {
				it.list = append([][]byte{v}, it.list...)
			}
		} else {
			it.list = append(it.list, values...)
		}
		s.trackAdd(added)
		s.touchLRU(key)
		return len(it.list), nil
	}

	if s.otherKindsHaveKey(KindList, key) {
		return 0, ErrTypeConflict
	}

	delta := len(key) + added
	if !s.admit(delta) {
		return 0, ErrOutOfMemory
	}

	var list [][]byte
	if head {
		for _, v := range values {
			list = append([][]byte{v}, list...)
		}
	} else {
		list = append(list, values...)
	}

	b := bucketOf(key)
	s.data[KindList][b][key] = newListItem(list)
	s.trackAdd(delta)
	s.touchLRU(key)
	return len(list), nil
}

// LPop removes and returns the first element of the list at key. The
// last pop deletes the key, per the empty-container invariant.
func (s *Store) LPop(key string) ([]byte, error) {
	return s.pop(key, true)
}

// RPop removes and returns the last element of the list at key.
func (s *Store) RPop(key string) ([]byte, error) {
	return s.pop(key, false)
}

func (s *Store) pop(key string, head bool) ([]byte, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return nil, ErrMiss
	}
	if kind != KindList {
		return nil, ErrTypeConflict
	}

	var v []byte
	if head {
		v = it.list[0]
		it.list = it.list[1:]
	} else {
		v = it.list[len(it.list)-1]
		it.list = it.list[:len(it.list)-1]
	}
	s.trackSub(len(v))
	s.touchLRU(key)

	if len(it.list) == 0 {
		s.deleteKey(key)
	}

	return v, nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(key string) (int, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return 0, nil
	}
	if kind != KindList {
		return 0, ErrTypeConflict
	}
	return len(it.list), nil
}

// LIndex returns the element at index in the list at key. Negative index
// counts from the back; out-of-range is a miss.
func (s *Store) LIndex(key string, index int) ([]byte, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return nil, ErrMiss
	}
	if kind != KindList {
		return nil, ErrTypeConflict
	}

	i := resolveIndex(index, len(it.list))
	if i < 0 || i >= len(it.list) {
		return nil, ErrMiss
	}
	return it.list[i], nil
}

// LRange returns elements [lo, hi] of the list at key, Redis-style
// inclusive with negative indices counting from the back and bounds
// clamped to the list's extent.
func (s *Store) LRange(key string, lo, hi int) ([][]byte, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return nil, nil
	}
	if kind != KindList {
		return nil, ErrTypeConflict
	}

	n := len(it.list)
	start := clampRangeIndex(lo, n)
	end := resolveIndex(hi, n)
	if start > end || start >= n || n == 0 {
		return nil, nil
	}
	if end >= n {
		end = n - 1
	}
	if start < 0 {
		start = 0
	}

	result := make([][]byte, end-start+1)
	copy(result, it.list[start:end+1])
	return result, nil
}

func resolveIndex(index, n int) int {
	if index < 0 {
		return n + index
	}
	return index
}

func clampRangeIndex(index, n int) int {
	i := resolveIndex(index, n)
	if i < 0 {
		return 0
	}
	return i
}
