package model

import "reflect"

// ParticipantSet is the set of active participant ids.
type ParticipantSet map[string]struct{}

// NewParticipantSet builds a set from a participant list.
func NewParticipantSet(ps []Participant) ParticipantSet {
	set := make(ParticipantSet, len(ps))
	for _, p := range ps {
		set[p.ID] = struct{}{}
	}
	return set
}

// Has reports whether id is active.
func (s ParticipantSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// MergeFieldValue picks the value a field should show after a remote value
// arrives. The remote value wins unless the local participant holds the
// field's lock, in which case the in-flight local edit is kept.
func MergeFieldValue(local, remote any, isLocalLockOwner bool) any {
	if isLocalLockOwner {
		return local
	}
	return remote
}

// IsLockStale reports whether the lock owner has left the session.
func IsLockStale(lock FieldLock, active ParticipantSet) bool {
	if lock.OwnedBy == "" {
		return true
	}
	return !active.Has(lock.OwnedBy)
}

// ValuesEqual compares two decoded JSON field values.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
