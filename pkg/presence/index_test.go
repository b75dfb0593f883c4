package presence

import (
	"math/rand"
	"slices"
	"testing"
)

func TestTrackSetsPrimary(t *testing.T) {
	ix := NewIndex()

	ix.TrackIotaConnection(100, 7, false)
	if p, ok := ix.GetIotaPrimary(100); !ok || p != 7 {
		t.Errorf("first replica should become primary, got %d, %v", p, ok)
	}

	// A non-primary announcement never displaces an existing primary.
	ix.TrackIotaConnection(100, 8, false)
	if p, _ := ix.GetIotaPrimary(100); p != 7 {
		t.Errorf("primary displaced by replica announcement: %d", p)
	}

	// A primary announcement wins (last writer).
	ix.TrackIotaConnection(100, 9, true)
	if p, _ := ix.GetIotaPrimary(100); p != 9 {
		t.Errorf("primary announcement ignored: %d", p)
	}

	replicas, ok := ix.GetIotaReplicas(100)
	if !ok || len(replicas) != 3 {
		t.Fatalf("replicas = %v", replicas)
	}
	if !slices.Contains(replicas, 9) {
		t.Error("primary missing from replica set")
	}
}

func TestUntrackClearsPrimaryWithoutPromotion(t *testing.T) {
	ix := NewIndex()
	ix.TrackIotaConnection(100, 7, true)
	ix.TrackIotaConnection(100, 8, false)

	if empty := ix.UntrackIotaConnection(100, 7); empty {
		t.Error("set with remaining replica reported empty")
	}
	if _, ok := ix.GetIotaPrimary(100); ok {
		t.Error("primary should be cleared, not promoted")
	}
	if replicas, _ := ix.GetIotaReplicas(100); len(replicas) != 1 || replicas[0] != 8 {
		t.Errorf("replicas = %v", replicas)
	}

	if empty := ix.UntrackIotaConnection(100, 8); !empty {
		t.Error("removing last replica should report empty")
	}
	if _, ok := ix.GetIotaReplicas(100); ok {
		t.Error("iota entry should be removed when the set empties")
	}
}

func TestUntrackUnknownIota(t *testing.T) {
	ix := NewIndex()
	if empty := ix.UntrackIotaConnection(5, 1); empty {
		t.Error("untrack on unknown iota reported empty")
	}
}

func TestUserStatusLifecycle(t *testing.T) {
	ix := NewIndex()
	ix.SetUserStatus(200, StatusOnline, 7)

	p, ok := ix.GetUserStatus(200)
	if !ok || p.Status != StatusOnline || p.OmikronID != 7 {
		t.Fatalf("presence = %+v, %v", p, ok)
	}

	ix.SetUserStatus(200, StatusUserOffline, 7)
	if p, _ := ix.GetUserStatus(200); p.Status != StatusUserOffline {
		t.Errorf("status = %q", p.Status)
	}

	ix.UntrackUsers([]int64{200, 201})
	if _, ok := ix.GetUserStatus(200); ok {
		t.Error("user still present after bulk untrack")
	}
}

func TestPurgeOmikron(t *testing.T) {
	ix := NewIndex()
	// iota 100 fronted only by 7, iota 101 by 7 and 8.
	ix.TrackIotaConnection(100, 7, true)
	ix.TrackIotaConnection(101, 7, true)
	ix.TrackIotaConnection(101, 8, false)
	ix.SetUserStatus(200, StatusOnline, 7)
	ix.SetUserStatus(201, StatusUserOffline, 7)
	ix.SetUserStatus(300, StatusOnline, 8)

	emptied := ix.PurgeOmikron(7)
	if len(emptied) != 1 || emptied[0] != 100 {
		t.Errorf("emptied = %v, want [100]", emptied)
	}
	if _, ok := ix.GetIotaReplicas(100); ok {
		t.Error("iota 100 should be gone")
	}
	// iota 101 keeps replica 8 but loses its primary; no auto-promotion.
	if _, ok := ix.GetIotaPrimary(101); ok {
		t.Error("iota 101 primary should be cleared")
	}
	if replicas, _ := ix.GetIotaReplicas(101); len(replicas) != 1 || replicas[0] != 8 {
		t.Errorf("iota 101 replicas = %v", replicas)
	}
	// All of 7's user presence is purged regardless of iota emptiness.
	if _, ok := ix.GetUserStatus(200); ok {
		t.Error("user 200 should be purged")
	}
	if _, ok := ix.GetUserStatus(201); ok {
		t.Error("user 201 should be purged")
	}
	if p, ok := ix.GetUserStatus(300); !ok || p.OmikronID != 8 {
		t.Error("user 300 on omikron 8 must survive the purge")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"online", "user_offline", "iota_offline", "away", "do_not_disturb"} {
		if _, ok := ParseStatus(s); !ok {
			t.Errorf("ParseStatus(%q) rejected", s)
		}
	}
	if _, ok := ParseStatus("offline"); ok {
		t.Error("ParseStatus accepted unknown status")
	}
}

// checkInvariants asserts I1 (primary is a replica) and I2 (no empty sets)
// for every iota.
func checkInvariants(t *testing.T, ix *Index) {
	t.Helper()
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for iotaID, entry := range ix.iotas {
		if len(entry.replicas) == 0 {
			t.Fatalf("iota %d: empty replica set retained", iotaID)
		}
		if entry.primary != 0 {
			if _, ok := entry.replicas[entry.primary]; !ok {
				t.Fatalf("iota %d: primary %d not in replica set", iotaID, entry.primary)
			}
		}
	}
}

func TestInvariantsUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ix := NewIndex()
	iotas := []int64{1, 2, 3, 4}
	omikrons := []int64{10, 11, 12}

	for i := 0; i < 5000; i++ {
		iota := iotas[rng.Intn(len(iotas))]
		omikron := omikrons[rng.Intn(len(omikrons))]
		switch rng.Intn(4) {
		case 0:
			ix.TrackIotaConnection(iota, omikron, rng.Intn(2) == 0)
		case 1:
			ix.UntrackIotaConnection(iota, omikron)
		case 2:
			ix.PurgeOmikron(omikron)
		case 3:
			ix.SetUserStatus(int64(rng.Intn(20)), StatusOnline, omikron)
		}
		checkInvariants(t, ix)
	}
}

func TestConcurrentMutation(t *testing.T) {
	ix := NewIndex()
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(omikron int64) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 1000; i++ {
				ix.TrackIotaConnection(int64(i%10), omikron, i%2 == 0)
				ix.SetUserStatus(int64(i%50), StatusOnline, omikron)
				ix.GetIotaPrimary(int64(i % 10))
				ix.UntrackIotaConnection(int64(i%10), omikron)
				ix.PurgeOmikron(omikron)
			}
		}(int64(g + 10))
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	checkInvariants(t, ix)
}
