package registry

import (
	"path/filepath"
	"testing"

	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/types"
)

func TestRefreshDerivesPrivilegedFlag(t *testing.T) {
	store, err := db.OpenDatabase(filepath.Join(t.TempDir(), "roost.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	for _, conv := range []types.Conversation{
		{ChatID: "local:main", Name: "Main", Folder: "main", Trigger: "@Andy"},
		{ChatID: "local:alice", Name: "Alice", Folder: "alice", Trigger: "@Andy", RequiresTrigger: true},
	} {
		if err := db.UpsertConversation(store, conv); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	table := New(store, "main")
	if _, ok := table.Get("local:main"); ok {
		t.Fatal("expected empty table before refresh")
	}
	if err := table.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	main, ok := table.Privileged()
	if !ok || !main.Privileged || main.ChatID != "local:main" {
		t.Fatalf("unexpected privileged conversation: %+v %v", main, ok)
	}
	alice, ok := table.ByNamespace("alice")
	if !ok || alice.Privileged {
		t.Fatalf("alice must not be privileged: %+v", alice)
	}
	if !table.IsPrivileged("main") || table.IsPrivileged("alice") {
		t.Fatal("IsPrivileged mismatch")
	}

	all := table.All()
	if len(all) != 2 || all[0].Folder != "alice" || all[1].Folder != "main" {
		t.Fatalf("unexpected ordering: %+v", all)
	}
	if ids := table.ChatIDs(); len(ids) != 2 {
		t.Fatalf("chat ids = %v", ids)
	}
}
