package repo

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tbourn/go-chat-server/internal/domain"
)

func TestMarkRead_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if err := MarkRead(ctx, db, "m1", "bob", now); err != nil {
			t.Fatalf("MarkRead #%d: %v", i, err)
		}
	}
	if err := MarkRead(ctx, db, "m1", "carol", now.Add(time.Second)); err != nil {
		t.Fatalf("MarkRead carol: %v", err)
	}

	var cnt int64
	db.Model(&domain.ReadReceipt{}).Where("message_id = ? AND username = ?", "m1", "bob").Count(&cnt)
	if cnt != 1 {
		t.Fatalf("expected exactly one receipt for (m1,bob), got %d", cnt)
	}

	readers, err := GetReadReceipts(ctx, db, "m1")
	if err != nil {
		t.Fatalf("GetReadReceipts: %v", err)
	}
	if !reflect.DeepEqual(readers, []string{"bob", "carol"}) {
		t.Fatalf("readers = %v", readers)
	}

	none, err := GetReadReceipts(ctx, db, "unknown")
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("unknown message should yield empty non-nil slice, got %#v err=%v", none, err)
	}
}

func TestTyping_UpsertAndWindow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	window := 3 * time.Second

	if err := UpsertTyping(ctx, db, "general", "bob", t0); err != nil {
		t.Fatalf("UpsertTyping: %v", err)
	}
	if err := UpsertTyping(ctx, db, "general", "carol", t0.Add(time.Second)); err != nil {
		t.Fatalf("UpsertTyping: %v", err)
	}
	if err := UpsertTyping(ctx, db, "other", "dave", t0); err != nil {
		t.Fatalf("UpsertTyping: %v", err)
	}

	users, err := GetTypingUsers(ctx, db, "general", t0.Add(2*time.Second), window)
	if err != nil {
		t.Fatalf("GetTypingUsers: %v", err)
	}
	if !reflect.DeepEqual(users, []string{"bob", "carol"}) {
		t.Fatalf("typing users = %v", users)
	}

	// exactly 3s after bob's ping he no longer counts
	users, _ = GetTypingUsers(ctx, db, "general", t0.Add(3*time.Second), window)
	if !reflect.DeepEqual(users, []string{"carol"}) {
		t.Fatalf("typing users after window = %v", users)
	}

	// a new ping refreshes the same row
	if err := UpsertTyping(ctx, db, "general", "bob", t0.Add(10*time.Second)); err != nil {
		t.Fatalf("UpsertTyping refresh: %v", err)
	}
	var cnt int64
	db.Model(&domain.TypingStatus{}).Where("room = ? AND username = ?", "general", "bob").Count(&cnt)
	if cnt != 1 {
		t.Fatalf("upsert should keep one row, got %d", cnt)
	}
	users, _ = GetTypingUsers(ctx, db, "general", t0.Add(11*time.Second), window)
	if !reflect.DeepEqual(users, []string{"bob"}) {
		t.Fatalf("typing users after refresh = %v", users)
	}
}

func TestAttachments_SaveGetDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := &domain.Attachment{
		MessageID: "f1",
		Room:      "general",
		Uploader:  "alice",
		Filename:  "notes.txt",
		FileType:  "text/plain",
		Data:      []byte("ciphertext"),
		Size:      10,
		CreatedAt: time.Now(),
	}
	if err := SaveAttachment(ctx, db, a); err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}
	dup := *a
	dup.Data = []byte("other")
	if err := SaveAttachment(ctx, db, &dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := GetAttachment(ctx, db, "f1")
	if err != nil {
		t.Fatalf("GetAttachment: %v", err)
	}
	if string(got.Data) != "ciphertext" || got.Size != 10 || got.Filename != "notes.txt" {
		t.Fatalf("unexpected attachment: %+v", got)
	}

	if _, err := GetAttachment(ctx, db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
