package sqlitestore

import (
	"context"
	"testing"

	"cyphertextkit/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDeviceIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, ok, err := db.LoadDeviceIdentity(ctx, "bob", "laptop"); err != nil || ok {
		t.Fatalf("expected no identity yet, got ok=%v err=%v", ok, err)
	}

	want := store.StoredDeviceIdentity{PeerUser: "bob", PeerDevice: "laptop", Payload: []byte("state-v1")}
	if err := db.SaveDeviceIdentity(ctx, want); err != nil {
		t.Fatalf("SaveDeviceIdentity: %v", err)
	}

	got, ok, err := db.LoadDeviceIdentity(ctx, "bob", "laptop")
	if err != nil || !ok {
		t.Fatalf("LoadDeviceIdentity: ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != "state-v1" {
		t.Fatalf("payload = %q, want %q", got.Payload, "state-v1")
	}

	want.Payload = []byte("state-v2")
	if err := db.SaveDeviceIdentity(ctx, want); err != nil {
		t.Fatalf("SaveDeviceIdentity overwrite: %v", err)
	}
	got, _, _ = db.LoadDeviceIdentity(ctx, "bob", "laptop")
	if string(got.Payload) != "state-v2" {
		t.Fatalf("payload after overwrite = %q, want %q", got.Payload, "state-v2")
	}

	if err := db.SaveDeviceIdentity(ctx, store.StoredDeviceIdentity{PeerUser: "bob", PeerDevice: "tablet", Payload: []byte("t")}); err != nil {
		t.Fatalf("SaveDeviceIdentity second device: %v", err)
	}
	all, err := db.ListDeviceIdentities(ctx, "bob")
	if err != nil || len(all) != 2 {
		t.Fatalf("ListDeviceIdentities = %v, err %v, want 2 entries", all, err)
	}

	if err := db.DeleteDeviceIdentity(ctx, "bob", "laptop"); err != nil {
		t.Fatalf("DeleteDeviceIdentity: %v", err)
	}
	if _, ok, _ := db.LoadDeviceIdentity(ctx, "bob", "laptop"); ok {
		t.Fatalf("expected laptop identity deleted")
	}
}

func TestJobRoundTripAndOrdering(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	delay := int64(500)
	jobs := []store.StoredJob{
		{JobID: "j2", TaskKindTag: "send", Payload: []byte("b"), ScheduledAt: 200},
		{JobID: "j1", TaskKindTag: "send", Payload: []byte("a"), ScheduledAt: 100, DelayedUntil: &delay, IsBackground: true},
	}
	for _, j := range jobs {
		if err := db.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob(%s): %v", j.JobID, err)
		}
	}

	loaded, err := db.LoadJobs(ctx)
	if err != nil || len(loaded) != 2 {
		t.Fatalf("LoadJobs = %v, err %v, want 2", loaded, err)
	}
	if loaded[0].JobID != "j1" || loaded[1].JobID != "j2" {
		t.Fatalf("jobs not ordered by scheduled_at: %+v", loaded)
	}
	if loaded[0].DelayedUntil == nil || *loaded[0].DelayedUntil != delay {
		t.Fatalf("j1.DelayedUntil = %v, want %d", loaded[0].DelayedUntil, delay)
	}
	if !loaded[0].IsBackground {
		t.Fatalf("j1.IsBackground = false, want true")
	}
	if loaded[1].DelayedUntil != nil {
		t.Fatalf("j2.DelayedUntil = %v, want nil", loaded[1].DelayedUntil)
	}

	if err := db.DeleteJob(ctx, "j2"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	loaded, _ = db.LoadJobs(ctx)
	if len(loaded) != 1 || loaded[0].JobID != "j1" {
		t.Fatalf("after delete = %+v, want only j1", loaded)
	}
}

func TestChatMessageQueries(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	conv := "dm:alice:bob"
	for i, sender := range []string{"alice", "bob", "alice", "bob"} {
		msg := store.StoredMessage{
			ID:           string(rune('a' + i)),
			Conversation: conv,
			SenderID:     sender,
			Order:        int64(i),
			Payload:      []byte{byte(i)},
		}
		if err := db.SaveChatMessage(ctx, msg); err != nil {
			t.Fatalf("SaveChatMessage %d: %v", i, err)
		}
	}

	all, err := db.ListChatMessages(ctx, store.MessageQuery{Conversation: conv})
	if err != nil || len(all) != 4 {
		t.Fatalf("ListChatMessages all = %v, err %v, want 4", all, err)
	}
	if all[0].Order != 0 || all[3].Order != 3 {
		t.Fatalf("messages not sorted ascending by order: %+v", all)
	}

	desc, err := db.ListChatMessages(ctx, store.MessageQuery{Conversation: conv, Sort: store.SortDescending})
	if err != nil || desc[0].Order != 3 {
		t.Fatalf("ListChatMessages descending = %+v, err %v", desc, err)
	}

	onlyAlice, err := db.ListChatMessages(ctx, store.MessageQuery{Conversation: conv, SenderID: "alice"})
	if err != nil || len(onlyAlice) != 2 {
		t.Fatalf("ListChatMessages by sender = %v, err %v, want 2", onlyAlice, err)
	}

	minOrder := int64(2)
	fromTwo, err := db.ListChatMessages(ctx, store.MessageQuery{Conversation: conv, MinOrder: &minOrder})
	if err != nil || len(fromTwo) != 2 {
		t.Fatalf("ListChatMessages MinOrder=2 = %v, err %v, want 2", fromTwo, err)
	}

	limited, err := db.ListChatMessages(ctx, store.MessageQuery{Conversation: conv, Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Fatalf("ListChatMessages Limit=2 = %v, err %v, want 2", limited, err)
	}
}

func TestLocalDeviceConfigAndSalt(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, ok, err := db.ReadLocalDeviceConfig(ctx); err != nil || ok {
		t.Fatalf("expected no config yet, got ok=%v err=%v", ok, err)
	}
	if err := db.WriteLocalDeviceConfig(ctx, []byte("cfg-v1")); err != nil {
		t.Fatalf("WriteLocalDeviceConfig: %v", err)
	}
	got, ok, err := db.ReadLocalDeviceConfig(ctx)
	if err != nil || !ok || string(got) != "cfg-v1" {
		t.Fatalf("ReadLocalDeviceConfig = %q, ok=%v, err=%v", got, ok, err)
	}
	if err := db.WriteLocalDeviceConfig(ctx, []byte("cfg-v2")); err != nil {
		t.Fatalf("WriteLocalDeviceConfig overwrite: %v", err)
	}
	got, _, _ = db.ReadLocalDeviceConfig(ctx)
	if string(got) != "cfg-v2" {
		t.Fatalf("config after overwrite = %q, want cfg-v2", got)
	}

	if err := db.WriteLocalDeviceSalt(ctx, []byte("salt")); err != nil {
		t.Fatalf("WriteLocalDeviceSalt: %v", err)
	}
	salt, ok, err := db.ReadLocalDeviceSalt(ctx)
	if err != nil || !ok || string(salt) != "salt" {
		t.Fatalf("ReadLocalDeviceSalt = %q, ok=%v, err=%v", salt, ok, err)
	}
}

func TestRecordCRUD(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.SaveRecord(ctx, "conversation", "dm:alice:bob", []byte("r1")); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	if err := db.SaveRecord(ctx, "conversation", "group:team-x", []byte("r2")); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	if err := db.SaveRecord(ctx, "contact", "bob", []byte("c1")); err != nil {
		t.Fatalf("SaveRecord other namespace: %v", err)
	}

	all, err := db.ListRecords(ctx, "conversation")
	if err != nil || len(all) != 2 {
		t.Fatalf("ListRecords = %v, err %v, want 2", all, err)
	}

	got, ok, err := db.LoadRecord(ctx, "conversation", "dm:alice:bob")
	if err != nil || !ok || string(got) != "r1" {
		t.Fatalf("LoadRecord = %q, ok=%v, err=%v", got, ok, err)
	}

	if err := db.DeleteRecord(ctx, "conversation", "dm:alice:bob"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if _, ok, _ := db.LoadRecord(ctx, "conversation", "dm:alice:bob"); ok {
		t.Fatalf("expected record deleted")
	}
}

func TestMigrationsAreIdempotentOnRerun(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if err := db.WriteLocalDeviceConfig(ctx, []byte("persisted")); err != nil {
		t.Fatalf("WriteLocalDeviceConfig: %v", err)
	}
	if err := db.migrate(); err != nil {
		t.Fatalf("re-running migrate: %v", err)
	}
	got, ok, err := db.ReadLocalDeviceConfig(ctx)
	if err != nil || !ok || string(got) != "persisted" {
		t.Fatalf("config survived re-migrate = %q, ok=%v, err=%v", got, ok, err)
	}
}
