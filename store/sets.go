package store

// SAdd adds member to the set at key, creating it if absent. Returns
// whether member was newly added (false if it was already present).
func (s *Store) SAdd(key string, member []byte) (bool, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if ok {
		if kind != KindSet {
			return false, ErrTypeConflict
		}
		if _, present := it.set[string(member)]; present {
			return false, nil
		}
		if !s.admit(len(member)) {
			return false, ErrOutOfMemory
		}
		it.set[string(member)] = struct{}{}
		s.trackAdd(len(member))
		s.touchLRU(key)
		return true, nil
	}

	if s.otherKindsHaveKey(KindSet, key) {
		return false, ErrTypeConflict
	}

	delta := len(key) + len(member)
	if !s.admit(delta) {
		return false, ErrOutOfMemory
	}

	b := bucketOf(key)
	s.data[KindSet][b][key] = newSetItem(map[string]struct{}{string(member): {}})
	s.trackAdd(delta)
	s.touchLRU(key)
	return true, nil
}

// SRem removes member from the set at key. The last removal deletes the
// key. Returns whether member was present.
func (s *Store) SRem(key string, member []byte) (bool, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return false, nil
	}
	if kind != KindSet {
		return false, ErrTypeConflict
	}

	if _, present := it.set[string(member)]; !present {
		return false, nil
	}

	delete(it.set, string(member))
	s.trackSub(len(member))
	s.touchLRU(key)

	if len(it.set) == 0 {
		s.deleteKey(key)
	}
	return true, nil
}

// SIsMember reports whether member is in the set at key.
func (s *Store) SIsMember(key string, member []byte) (bool, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return false, nil
	}
	if kind != KindSet {
		return false, ErrTypeConflict
	}
	_, present := it.set[string(member)]
	return present, nil
}

// SCard returns the cardinality of the set at key.
func (s *Store) SCard(key string) (int, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return 0, nil
	}
	if kind != KindSet {
		return 0, ErrTypeConflict
	}
	return len(it.set), nil
}

// SMembers returns all members of the set at key, in no particular order.
func (s *Store) SMembers(key string) ([][]byte, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return nil, nil
	}
	if kind != KindSet {
		return nil, ErrTypeConflict
	}

	result := make([][]byte, 0, len(it.set))
	for m := range it.set {
		result = append(result, []byte(m))
	}
	return result, nil
}
