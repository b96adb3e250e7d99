package store

import (
	"strconv"
	"time"
)

// Set replaces or creates key to hold value. Creating under a key that
// exists with a different kind fails with ErrTypeConflict; admitting a
// new key that would exceed the memory cap fails with ErrOutOfMemory.
func (s *Store) Set(key string, value []byte) error {
	s.expireIfDue(key)

	if existing, kind, ok := s.findItem(key); ok {
		if kind != KindString {
			return ErrTypeConflict
		}
		delta := len(value) - len(existing.str)
		if !s.admit(delta) {
			return ErrOutOfMemory
		}
		s.trackSub(len(existing.str))
		existing.str = value
		s.trackAdd(len(value))
		s.touchLRU(key)
		return nil
	}

	if s.otherKindsHaveKey(KindString, key) {
		return ErrTypeConflict
	}

	delta := len(key) + len(value)
	if !s.admit(delta) {
		return ErrOutOfMemory
	}

	b := bucketOf(key)
	s.data[KindString][b][key] = newStringItem(value)
	s.trackAdd(delta)
	s.touchLRU(key)
	return nil
}

// Get returns the value of key, or ErrMiss if it is absent or expired.
func (s *Store) Get(key string) ([]byte, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok {
		return nil, ErrMiss
	}
	if kind != KindString {
		return nil, ErrTypeConflict
	}

	s.touchLRU(key)
	return it.str, nil
}

// StrLen returns the byte length of key's string value, or 0 if key is
// missing — unlike Get, StrLen performs no type check.
func (s *Store) StrLen(key string) int {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if !ok || kind != KindString {
		return 0
	}
	return len(it.str)
}

// GetSet atomically reads the old value (empty if absent) and sets key to
// value, creating it if necessary.
func (s *Store) GetSet(key string, value []byte) ([]byte, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if ok && kind != KindString {
		return nil, ErrTypeConflict
	}

	var old []byte
	if ok {
		old = it.str
	}

	if err := s.Set(key, value); err != nil {
		return nil, err
	}
	return old, nil
}

// SetNX sets key to value only if it is currently absent (after lazy
// expiry). Returns whether the set happened.
func (s *Store) SetNX(key string, value []byte) (bool, error) {
	s.expireIfDue(key)

	if _, _, ok := s.findItem(key); ok {
		return false, nil
	}
	if err := s.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

// SetEx sets key to value and gives it a TTL of seconds.
func (s *Store) SetEx(key string, seconds int, value []byte) error {
	return s.setWithTTL(key, value, time.Duration(seconds)*time.Second)
}

// PSetEx sets key to value and gives it a TTL of milliseconds.
func (s *Store) PSetEx(key string, millis int, value []byte) error {
	return s.setWithTTL(key, value, time.Duration(millis)*time.Millisecond)
}

func (s *Store) setWithTTL(key string, value []byte, ttl time.Duration) error {
	if err := s.Set(key, value); err != nil {
		return err
	}
	s.expiry[key] = s.clock.Now().Add(ttl).UnixNano()
	return nil
}

// Append concatenates suffix onto key's string value, creating key if
// absent, and returns the new length.
func (s *Store) Append(key string, suffix []byte) (int, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if ok {
		if kind != KindString {
			return 0, ErrTypeConflict
		}
		if !s.admit(len(suffix)) {
			return 0, ErrOutOfMemory
		}
		it.str = append(it.str, suffix...)
		s.trackAdd(len(suffix))
		s.touchLRU(key)
		return len(it.str), nil
	}

	if err := s.Set(key, suffix); err != nil {
		return 0, err
	}
	return len(suffix), nil
}

// Type reports the kind of key as a wire token: string, list, set, hash,
// or none.
func (s *Store) Type(key string) string {
	s.expireIfDue(key)

	_, kind, ok := s.findItem(key)
	if !ok {
		return "none"
	}
	return kind.String()
}

// IncrBy parses key's current value as a signed decimal integer, adds
// delta, and writes the result back, preserving any existing TTL. Absent
// keys are created with value delta.
func (s *Store) IncrBy(key string, delta int64) (int64, error) {
	s.expireIfDue(key)

	it, kind, ok := s.findItem(key)
	if ok && kind != KindString {
		return 0, ErrTypeConflict
	}

	var current int64
	if ok {
		parsed, err := strconv.ParseInt(string(it.str), 10, 64)
		if err != nil {
			return 0, ErrNotAnInteger
		}
		current = parsed
	}

	next := current + delta
	nextBytes := []byte(strconv.FormatInt(next, 10))

	if ok {
		deltaBytes := len(nextBytes) - len(it.str)
		if !s.admit(deltaBytes) {
			return 0, ErrOutOfMemory
		}
		s.trackSub(len(it.str))
		it.str = nextBytes
		s.trackAdd(len(nextBytes))
		s.touchLRU(key)
		return next, nil
	}

	if err := s.Set(key, nextBytes); err != nil {
		return 0, err
	}
	return next, nil
}

// DecrBy is IncrBy with delta negated.
func (s *Store) DecrBy(key string, delta int64) (int64, error) {
	return s.IncrBy(key, -delta)
}
