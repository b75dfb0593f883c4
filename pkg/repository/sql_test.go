package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// setupRepo builds the repository on an in-memory SQLite database with a
// dialect-neutral copy of the schema.
func setupRepo(t *testing.T) *SQLRepository {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// SQLite's in-memory DB is per-connection.
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE users (
			id INTEGER NOT NULL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display TEXT,
			status TEXT,
			about TEXT,
			avatar BLOB,
			sub_level INTEGER NOT NULL DEFAULT 0,
			sub_end INTEGER NOT NULL,
			public_key TEXT NOT NULL,
			private_key_hash TEXT NOT NULL,
			iota_id INTEGER NOT NULL,
			token TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE iotas (
			id INTEGER NOT NULL PRIMARY KEY,
			public_key TEXT NOT NULL
		)`,
		`CREATE TABLE omikrons (
			id INTEGER NOT NULL PRIMARY KEY,
			is_active INTEGER NOT NULL DEFAULT 0,
			public_key TEXT NOT NULL,
			location TEXT NOT NULL,
			ip_address TEXT NOT NULL
		)`,
		`CREATE TABLE notifications (
			user_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			amount INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, sender_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return NewSQLRepository(db, zerolog.Nop())
}

func insertTestUser(t *testing.T, repo *SQLRepository, id, iotaID int64, username string) {
	t.Helper()
	err := repo.RegisterCompleteUser(context.Background(), &User{
		ID:             id,
		Username:       username,
		SubEnd:         0,
		PublicKey:      "pk",
		PrivateKeyHash: "hash",
		IotaID:         iotaID,
		Token:          "token-" + username,
	})
	if err != nil {
		t.Fatalf("insert user %s: %v", username, err)
	}
}

func TestUserLookups(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	insertTestUser(t, repo, 200, 100, "alice")
	insertTestUser(t, repo, 201, 100, "bob")

	user, err := repo.GetUserByID(ctx, 200)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if user.Username != "alice" || user.IotaID != 100 {
		t.Errorf("user = %+v", user)
	}

	user, err = repo.GetUserByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if user.ID != 201 {
		t.Errorf("bob id = %d", user.ID)
	}

	if _, err := repo.GetUserByID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user err = %v", err)
	}
	if _, err := repo.GetUserByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing username err = %v", err)
	}

	users, err := repo.GetUsersByIotaID(ctx, 100)
	if err != nil {
		t.Fatalf("get by iota: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("iota 100 users = %d", len(users))
	}
}

func TestUsernameConflict(t *testing.T) {
	repo := setupRepo(t)
	insertTestUser(t, repo, 200, 100, "alice")

	err := repo.RegisterCompleteUser(context.Background(), &User{
		ID: 300, Username: "alice", SubEnd: 0,
		PublicKey: "pk", PrivateKeyHash: "hash", IotaID: 100, Token: "other",
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate username err = %v, want ErrConflict", err)
	}
}

func TestIotaRegistration(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)

	id, err := repo.CreateIota(ctx, "iota-pk")
	if err != nil {
		t.Fatalf("create iota: %v", err)
	}
	iota, err := repo.GetIotaByID(ctx, id)
	if err != nil {
		t.Fatalf("get iota: %v", err)
	}
	if iota.PublicKey != "iota-pk" {
		t.Errorf("public key = %q", iota.PublicKey)
	}

	if err := repo.CompleteRegisterIota(ctx, id, "new-pk"); err != nil {
		t.Fatalf("complete register: %v", err)
	}
	iota, _ = repo.GetIotaByID(ctx, id)
	if iota.PublicKey != "new-pk" {
		t.Errorf("public key after update = %q", iota.PublicKey)
	}

	if err := repo.CompleteRegisterIota(ctx, 999999, "pk"); !errors.Is(err, ErrNotFound) {
		t.Errorf("complete register on missing iota err = %v", err)
	}

	if err := repo.DeleteIota(ctx, id); err != nil {
		t.Fatalf("delete iota: %v", err)
	}
	if _, err := repo.GetIotaByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted iota err = %v", err)
	}
}

func TestChangeOperations(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	insertTestUser(t, repo, 200, 100, "alice")

	if err := repo.ChangeUsername(ctx, 200, "alice2"); err != nil {
		t.Fatalf("change username: %v", err)
	}
	if err := repo.ChangeDisplay(ctx, 200, "Alice"); err != nil {
		t.Fatalf("change display: %v", err)
	}
	if err := repo.ChangeAbout(ctx, 200, "hello"); err != nil {
		t.Fatalf("change about: %v", err)
	}
	if err := repo.ChangeStatus(ctx, 200, "busy"); err != nil {
		t.Fatalf("change status: %v", err)
	}
	if err := repo.ChangeAvatar(ctx, 200, []byte{1, 2, 3}); err != nil {
		t.Fatalf("change avatar: %v", err)
	}
	if err := repo.ChangeKeys(ctx, 200, "pk2", "hash2"); err != nil {
		t.Fatalf("change keys: %v", err)
	}
	if err := repo.ChangeIotaID(ctx, 200, 101); err != nil {
		t.Fatalf("change iota id: %v", err)
	}
	if err := repo.ChangeResetToken(ctx, 200, "token2"); err != nil {
		t.Fatalf("change token: %v", err)
	}

	user, err := repo.GetUserByID(ctx, 200)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if user.Username != "alice2" || user.Display != "Alice" || user.About != "hello" ||
		user.Status != "busy" || user.PublicKey != "pk2" || user.PrivateKeyHash != "hash2" ||
		user.IotaID != 101 || user.Token != "token2" || len(user.Avatar) != 3 {
		t.Errorf("user after changes = %+v", user)
	}

	if err := repo.ChangeUsername(ctx, 999, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("change on missing user err = %v", err)
	}
}

func TestOmikronLookups(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	mustExec(t, repo, `INSERT INTO omikrons (id, is_active, public_key, location, ip_address)
		VALUES (7, 1, 'P7', 'eu', '10.0.0.7'), (8, 0, 'P8', 'us', '10.0.0.8')`)

	omikron, err := repo.GetOmikronByID(ctx, 7)
	if err != nil {
		t.Fatalf("get omikron: %v", err)
	}
	if omikron.PublicKey != "P7" || omikron.IPAddress != "10.0.0.7" || !omikron.IsActive {
		t.Errorf("omikron = %+v", omikron)
	}

	// Only omikron 7 is active, so the random pick must always be 7.
	for i := 0; i < 10; i++ {
		random, err := repo.GetRandomActiveOmikron(ctx)
		if err != nil {
			t.Fatalf("random active: %v", err)
		}
		if random.ID != 7 {
			t.Errorf("random pick = %d, want 7", random.ID)
		}
	}

	mustExec(t, repo, `DELETE FROM omikrons`)
	if _, err := repo.GetRandomActiveOmikron(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("no active omikrons err = %v", err)
	}
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)

	if err := repo.AddNotification(ctx, 200, 300); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := repo.AddNotification(ctx, 200, 300); err != nil {
		t.Fatalf("add again: %v", err)
	}
	if err := repo.AddNotification(ctx, 200, 301); err != nil {
		t.Fatalf("add other sender: %v", err)
	}

	notifications, err := repo.GetNotifications(ctx, 200)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(notifications) != 2 {
		t.Fatalf("notifications = %+v", notifications)
	}
	bysender := map[int64]int64{}
	for _, n := range notifications {
		bysender[n.SenderID] = n.Amount
	}
	if bysender[300] != 2 || bysender[301] != 1 {
		t.Errorf("amounts = %v", bysender)
	}

	if err := repo.ReadNotification(ctx, 200, 300); err != nil {
		t.Fatalf("read: %v", err)
	}
	notifications, _ = repo.GetNotifications(ctx, 200)
	if len(notifications) != 1 || notifications[0].SenderID != 301 {
		t.Errorf("after read = %+v", notifications)
	}
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	insertTestUser(t, repo, 200, 100, "alice")

	if err := repo.DeleteUser(ctx, 200); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.DeleteUser(ctx, 200); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete err = %v", err)
	}
}

func TestAllocateRegisterIDMonotonic(t *testing.T) {
	repo := setupRepo(t)

	const n = 1000
	start := time.Now().UnixMilli()
	ids := make([]int64, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	next := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if next >= n {
					mu.Unlock()
					return
				}
				slot := next
				next++
				mu.Unlock()
				ids[slot] = repo.AllocateRegisterID()
			}
		}()
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < n; i++ {
		if ids[i] == ids[i-1] {
			t.Fatalf("duplicate register id %d", ids[i])
		}
	}
	if ids[0] < start {
		t.Errorf("first id %d below wall clock %d", ids[0], start)
	}
}

func mustExec(t *testing.T, repo *SQLRepository, query string) {
	t.Helper()
	if _, err := repo.db.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
