// Package presence tracks, in memory only, which Omikrons currently front
// which Iotas and which Users are reachable behind which Omikron. Nothing
// here survives a restart; Omikrons re-announce on reconnect.
package presence

import "sync"

// Status is a user's connection state as reported by its fronting Omikron.
type Status string

const (
	StatusOnline       Status = "online"
	StatusUserOffline  Status = "user_offline"
	StatusIotaOffline  Status = "iota_offline"
	StatusAway         Status = "away"
	StatusDoNotDisturb Status = "do_not_disturb"
)

// ParseStatus maps a wire string to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOnline, StatusUserOffline, StatusIotaOffline, StatusAway, StatusDoNotDisturb:
		return Status(s), true
	}
	return "", false
}

// UserPresence is the current state of one user.
type UserPresence struct {
	Status    Status
	OmikronID int64
}

// iotaEntry holds primary and replicas together so the replica-set
// invariant (primary, if set, is always a replica; the set is never empty)
// is enforced in one place.
type iotaEntry struct {
	primary  int64 // 0 = no primary
	replicas map[int64]struct{}
}

// Index is the process-wide presence store. All operations are
// linearizable; none of them block on I/O.
type Index struct {
	mu    sync.RWMutex
	iotas map[int64]*iotaEntry
	users map[int64]UserPresence
}

func NewIndex() *Index {
	return &Index{
		iotas: make(map[int64]*iotaEntry),
		users: make(map[int64]UserPresence),
	}
}

// TrackIotaConnection records that omikronID fronts iotaID. The omikron
// becomes primary when it announces as such, or when no primary exists.
func (ix *Index) TrackIotaConnection(iotaID, omikronID int64, isPrimary bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entry, ok := ix.iotas[iotaID]
	if !ok {
		entry = &iotaEntry{replicas: make(map[int64]struct{})}
		ix.iotas[iotaID] = entry
	}
	entry.replicas[omikronID] = struct{}{}
	if isPrimary || entry.primary == 0 {
		entry.primary = omikronID
	}
}

// UntrackIotaConnection removes omikronID from the iota's replica set.
// A removed primary is not auto-promoted; Omikrons re-announce on failover.
// Reports whether the replica set became empty (the iota entry is dropped).
func (ix *Index) UntrackIotaConnection(iotaID, omikronID int64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.untrackIotaLocked(iotaID, omikronID)
}

func (ix *Index) untrackIotaLocked(iotaID, omikronID int64) bool {
	entry, ok := ix.iotas[iotaID]
	if !ok {
		return false
	}
	delete(entry.replicas, omikronID)
	if entry.primary == omikronID {
		entry.primary = 0
	}
	if len(entry.replicas) == 0 {
		delete(ix.iotas, iotaID)
		return true
	}
	return false
}

// GetIotaPrimary returns the preferred Omikron for an iota, if any.
func (ix *Index) GetIotaPrimary(iotaID int64) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.iotas[iotaID]
	if !ok || entry.primary == 0 {
		return 0, false
	}
	return entry.primary, true
}

// GetIotaReplicas returns every Omikron currently announcing the iota.
func (ix *Index) GetIotaReplicas(iotaID int64) ([]int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.iotas[iotaID]
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(entry.replicas))
	for id := range entry.replicas {
		out = append(out, id)
	}
	return out, true
}

// SetUserStatus upserts a user's presence.
func (ix *Index) SetUserStatus(userID int64, status Status, omikronID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.users[userID] = UserPresence{Status: status, OmikronID: omikronID}
}

func (ix *Index) GetUserStatus(userID int64) (UserPresence, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	p, ok := ix.users[userID]
	return p, ok
}

// UntrackUsers removes presence entries in bulk.
func (ix *Index) UntrackUsers(userIDs []int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range userIDs {
		delete(ix.users, id)
	}
}

// PurgeOmikron removes every trace of a terminated Omikron: its membership
// in all replica sets, any primary mapping pointing at it, and every user
// presence it hosted. Returns the iotas whose replica set became empty so
// the caller can purge those iotas' users with Repository lookups outside
// this critical section.
func (ix *Index) PurgeOmikron(omikronID int64) []int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var emptied []int64
	for iotaID, entry := range ix.iotas {
		if _, ok := entry.replicas[omikronID]; !ok {
			continue
		}
		if ix.untrackIotaLocked(iotaID, omikronID) {
			emptied = append(emptied, iotaID)
		}
	}
	for userID, p := range ix.users {
		if p.OmikronID == omikronID {
			delete(ix.users, userID)
		}
	}
	return emptied
}
