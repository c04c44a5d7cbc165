package db

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/adamavenir/roost/internal/types"
)

func TestUpsertAndGetConversation(t *testing.T) {
	db := openTestDB(t)

	conv := types.Conversation{
		ChatID:          "local:family",
		Name:            "Family",
		Folder:          "family",
		Trigger:         "@Andy",
		RequiresTrigger: true,
		Container: &types.ContainerOverrides{
			TimeoutMs: 60000,
		},
		AddedAt: 1000,
	}
	if err := UpsertConversation(db, conv); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fetched, err := GetConversation(db, "local:family")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected conversation")
	}
	if fetched.Folder != "family" || !fetched.RequiresTrigger {
		t.Fatalf("unexpected conversation: %+v", fetched)
	}
	if fetched.Container == nil || fetched.Container.TimeoutMs != 60000 {
		t.Fatalf("container overrides not round-tripped: %+v", fetched.Container)
	}

	byFolder, err := GetConversationByFolder(db, "family")
	if err != nil || byFolder == nil || byFolder.ChatID != "local:family" {
		t.Fatalf("get by folder: %+v, %v", byFolder, err)
	}

	missing, err := GetConversation(db, "local:nobody")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing conversation, got %+v, %v", missing, err)
	}
}

func TestUpsertConversationRejectsFolderCollision(t *testing.T) {
	db := openTestDB(t)

	if err := UpsertConversation(db, types.Conversation{ChatID: "local:a", Name: "A", Folder: "shared", Trigger: "@Andy"}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	err := UpsertConversation(db, types.Conversation{ChatID: "local:b", Name: "B", Folder: "shared", Trigger: "@Andy"})
	if !errors.Is(err, ErrFolderTaken) {
		t.Fatalf("expected ErrFolderTaken, got %v", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	db := openTestDB(t)

	next := time.Date(2026, 2, 1, 15, 30, 0, 0, time.UTC)
	task := types.Task{
		ID:            "task-abc",
		Owner:         "family",
		ChatID:        "local:family",
		Prompt:        "water the plants",
		ScheduleType:  types.ScheduleOnce,
		ScheduleValue: "2026-02-01T15:30:00",
		ContextMode:   types.ContextIsolated,
		Status:        types.TaskActive,
		NextRun:       &next,
		CreatedAt:     next.Add(-time.Hour),
	}
	if err := CreateTask(db, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	due, err := GetDueTasks(db, next.Add(-time.Second))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(due))
	}

	due, err = GetDueTasks(db, next)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "task-abc" {
		t.Fatalf("expected task-abc due, got %+v", due)
	}
	if !due[0].NextRun.Equal(next) {
		t.Fatalf("next_run = %v, want %v", due[0].NextRun, next)
	}

	if err := SetTaskStatus(db, task.ID, types.TaskPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	due, _ = GetDueTasks(db, next.Add(time.Hour))
	if len(due) != 0 {
		t.Fatalf("paused task must not be due")
	}

	if err := SetTaskStatus(db, task.ID, types.TaskActive); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := AdvanceTask(db, task.ID, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	fetched, err := GetTask(db, task.ID)
	if err != nil || fetched == nil {
		t.Fatalf("get: %+v %v", fetched, err)
	}
	if fetched.Status != types.TaskCompleted || fetched.NextRun != nil {
		t.Fatalf("expected completed with nil next_run, got %+v", fetched)
	}

	if err := RecordTaskRun(db, types.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      next,
		DurationMs: 1200,
		Status:     types.RunSuccess,
		Result:     strPtr("done"),
	}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	logs, err := GetTaskRunLogs(db, task.ID, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("logs: %+v %v", logs, err)
	}
	fetched, _ = GetTask(db, task.ID)
	if fetched.LastResult == nil || *fetched.LastResult != "done" {
		t.Fatalf("last_result = %v", fetched.LastResult)
	}

	if err := DeleteTask(db, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fetched, err = GetTask(db, task.ID)
	if err != nil || fetched != nil {
		t.Fatalf("expected deleted task, got %+v %v", fetched, err)
	}
}

func TestRecordTaskRunTruncatesOnRuneBoundary(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 2, 1, 15, 30, 0, 0, time.UTC)
	if err := CreateTask(db, types.Task{
		ID: "task-utf8", Owner: "family", ChatID: "local:family", Prompt: "x",
		ScheduleType: types.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: types.ContextIsolated, Status: types.TaskActive, NextRun: &now, CreatedAt: now,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// "é" is two bytes, so byte 200 falls inside a rune
	result := "a" + strings.Repeat("é", 150)
	if err := RecordTaskRun(db, types.TaskRunLog{TaskID: "task-utf8", RunAt: now, Status: types.RunSuccess, Result: &result}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	fetched, err := GetTask(db, "task-utf8")
	if err != nil || fetched == nil || fetched.LastResult == nil {
		t.Fatalf("get: %+v %v", fetched, err)
	}
	got := *fetched.LastResult
	if !utf8.ValidString(got) || len(got) > maxResultSummary || !strings.HasPrefix(result, got) {
		t.Fatalf("bad summary %q (%d bytes)", got, len(got))
	}
	if len(got) != 199 {
		t.Fatalf("expected 199 bytes, got %d", len(got))
	}
}

func TestGetNewMessagesSkipsBotAndAdvancesWatermark(t *testing.T) {
	db := openTestDB(t)

	msgs := []types.Message{
		{ID: "1", ChatID: "local:a", Sender: "u1", Content: "hi", TS: 100},
		{ID: "2", ChatID: "local:a", Sender: "bot", Content: "reply", TS: 200, IsBot: true},
		{ID: "3", ChatID: "local:b", Sender: "u2", Content: "yo", TS: 300},
		{ID: "4", ChatID: "local:c", Sender: "u3", Content: "unregistered", TS: 400},
	}
	for _, m := range msgs {
		if err := StoreMessage(db, m); err != nil {
			t.Fatalf("store %s: %v", m.ID, err)
		}
	}
	// Duplicate delivery is ignored.
	if err := StoreMessage(db, msgs[0]); err != nil {
		t.Fatalf("store duplicate: %v", err)
	}

	got, newest, err := GetNewMessages(db, []string{"local:a", "local:b"}, 0)
	if err != nil {
		t.Fatalf("new messages: %v", err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Fatalf("unexpected messages: %+v", got)
	}
	if newest != 300 {
		t.Fatalf("newest = %d, want 300", newest)
	}

	recent, err := GetRecentMessages(db, "local:a", 10)
	if err != nil || len(recent) != 2 || recent[0].ID != "1" {
		t.Fatalf("recent: %+v %v", recent, err)
	}
}

func TestRouterStateAndSessions(t *testing.T) {
	db := openTestDB(t)

	if ts, err := GetLastTimestamp(db); err != nil || ts != 0 {
		t.Fatalf("initial last timestamp: %d %v", ts, err)
	}
	if err := SetLastTimestamp(db, 12345); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ts, _ := GetLastTimestamp(db); ts != 12345 {
		t.Fatalf("last timestamp = %d", ts)
	}

	if err := SetAgentCursor(db, "local:a", 99); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	if ts, _ := GetAgentCursor(db, "local:a"); ts != 99 {
		t.Fatalf("cursor = %d", ts)
	}

	if err := SetSession(db, "main", "sess-1"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if err := SetSession(db, "main", "sess-2"); err != nil {
		t.Fatalf("update session: %v", err)
	}
	if id, _ := GetSession(db, "main"); id != "sess-2" {
		t.Fatalf("session = %q", id)
	}
}

func TestRunTotals(t *testing.T) {
	db := openTestDB(t)

	runs := []types.RunRecord{
		{ID: "r1", ChatID: "local:a", Namespace: "a", Kind: types.RunKindMessages, StartedAt: 10, DurationMs: 100, Status: types.RunSuccess},
		{ID: "r2", ChatID: "local:a", Namespace: "a", Kind: types.RunKindTask, StartedAt: 20, DurationMs: 300, Status: types.RunTimeout},
		{ID: "r3", ChatID: "local:b", Namespace: "b", Kind: types.RunKindMessages, StartedAt: 30, DurationMs: 50, Status: types.RunError},
	}
	for _, r := range runs {
		if err := RecordRun(db, r); err != nil {
			t.Fatalf("record %s: %v", r.ID, err)
		}
	}

	totals, err := GetRunTotals(db)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 namespaces, got %d", len(totals))
	}
	a := totals[0]
	if a.Namespace != "a" || a.Runs != 2 || a.Timeouts != 1 || a.TotalDuration != 400 || a.LastStartedAt != 20 {
		t.Fatalf("unexpected totals for a: %+v", a)
	}
	if totals[1].Failures != 1 {
		t.Fatalf("unexpected totals for b: %+v", totals[1])
	}
}
