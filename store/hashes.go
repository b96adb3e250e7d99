package store

// HSet sets field in the hash at key to value, creating the hash if
// absent. Overwrites an existing field in place; new fields are checked
// for admission.
func (s *Store) HSet(key, field string, value []byte) error {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if ok {
		if kind != KindHash {
			return ErrTypeConflict
		}
		if old, present := it.hash[field]; present {
			delta := len(value) - len(old)
			if !s.admit(delta) {
				return ErrOutOfMemory
			}
			s.trackSub(len(old))
			it.hash[field] = value
			s.trackAdd(len(value))
			s.touchLRU(key)
			return nil
		}

		delta := len(field) + len(value)
		if !s.admit(delta) {
			return ErrOutOfMemory
		}
		it.hash[field] = value
		s.trackAdd(delta)
		s.touchLRU(key)
		return nil
	}

	if s.otherKindsHaveKey(KindHash, key) {
		return ErrTypeConflict
	}

	delta := len(key) + len(field) + len(value)
	if !s.admit(delta) {
		return ErrOutOfMemory
	}

	b := bucketOf(key)
	s.data[KindHash][b][key] = newHashItem(map[string][]byte{field: value})
	s.trackAdd(delta)
	s.touchLRU(key)
	return nil
}

// HGet returns the value of field in the hash at key, or ErrMiss if the
// key or the field is absent.
func (s *Store) HGet(key, field string) ([]byte, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return nil, ErrMiss
	}
	if kind != KindHash {
		return nil, ErrTypeConflict
	}
	v, present := it.hash[field]
	if !present {
		return nil, ErrMiss
	}
	return v, nil
}

// HDel removes field from the hash at key. The last field removed
// deletes the key. Returns whether field was present.
func (s *Store) HDel(key, field string) (bool, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return false, nil
	}
	if kind != KindHash {
		return false, ErrTypeConflict
	}

	old, present := it.hash[field]
	if !present {
		return false, nil
	}

	delete(it.hash, field)
	s.trackSub(len(field) + len(old))
	s.touchLRU(key)

	if len(it.hash) == 0 {
		s.deleteKey(key)
	}
	return true, nil
}

// HLen returns the number of fields in the hash at key.
func (s *Store) HLen(key string) (int, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return 0, nil
	}
	if kind != KindHash {
		return 0, ErrTypeConflict
	}
	return len(it.hash), nil
}

// HGetAll returns every field and value of the hash at key.
func (s *Store) HGetAll(key string) (map[string][]byte, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return nil, nil
	}
	if kind != KindHash {
		return nil, ErrTypeConflict
	}

	result := make(map[string][]byte, len(it.hash))
	for f, v := range it.hash {
		result[f] = v
	}
	return result, nil
}
