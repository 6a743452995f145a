package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/parley/internal/chat"
)

func setupTestStore(t *testing.T, maxRecent int) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, maxRecent, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestGet_NotFound(t *testing.T) {
	s := setupTestStore(t, 0)
	if _, err := s.Get(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestProvider_CreatesDefault(t *testing.T) {
	s := setupTestStore(t, 0)
	p := NewProvider(s, "default")
	ctx := context.Background()

	got, err := p.Profile(ctx)
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if !reflect.DeepEqual(got, Default("default")) {
		t.Errorf("Profile() = %+v, want default", got)
	}

	stored, err := s.Get(ctx, "default")
	if err != nil {
		t.Fatalf("default profile was not persisted: %v", err)
	}
	if stored.Name != "New User" || stored.LearningLevel != "intermediate" {
		t.Errorf("stored = %+v", stored)
	}
	if stored.RecentCorrections == nil {
		t.Error("recentCorrections should be an empty slice, not nil")
	}
}

func TestSave_PreservesRecentCorrections(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()

	created, err := s.Save(ctx, chat.UserProfile{ID: "u1", Name: "Mia", Interests: []string{"music"}, LearningLevel: "Advanced"})
	if err != nil || !created {
		t.Fatalf("Save() = %v, %v; want created", created, err)
	}

	rc := chat.RecentCorrection{Original: "I goes", Corrected: "I go", Type: chat.CorrectionGrammar, Timestamp: "2025-03-01T00:00:00Z"}
	if err := s.AddCorrection(ctx, "u1", rc); err != nil {
		t.Fatal(err)
	}

	// Clients may send stale or empty corrections; they must not win.
	created, err = s.Save(ctx, chat.UserProfile{ID: "u1", Name: "Mia R.", Interests: []string{"film"}, LearningLevel: "advanced"})
	if err != nil || created {
		t.Fatalf("second Save() = %v, %v; want update", created, err)
	}

	got, _ := s.Get(ctx, "u1")
	if got.Name != "Mia R." || !reflect.DeepEqual(got.Interests, []string{"film"}) {
		t.Errorf("editable fields not updated: %+v", got)
	}
	if got.LearningLevel != "advanced" {
		t.Errorf("learningLevel = %q, want lowercased", got.LearningLevel)
	}
	if len(got.RecentCorrections) != 1 || got.RecentCorrections[0] != rc {
		t.Errorf("recentCorrections = %+v, want preserved", got.RecentCorrections)
	}
}

func TestWrite_KeepsCorrectionsAddedAfterRead(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()
	first := chat.RecentCorrection{Original: "I goes", Corrected: "I go", Type: chat.CorrectionGrammar, Timestamp: "2025-03-01T00:00:00Z"}
	second := chat.RecentCorrection{Original: "He don't", Corrected: "He doesn't", Type: chat.CorrectionGrammar, Timestamp: "2025-03-01T00:01:00Z"}

	if err := s.AddCorrection(ctx, "u1", first); err != nil {
		t.Fatal(err)
	}
	stale, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}

	// A turn archives a correction between Save's read and its write.
	if err := s.AddCorrection(ctx, "u1", second); err != nil {
		t.Fatal(err)
	}
	stale.Name = "Renamed"
	if err := s.write(ctx, stale); err != nil {
		t.Fatalf("write() error = %v", err)
	}

	got, _ := s.Get(ctx, "u1")
	if got.Name != "Renamed" {
		t.Errorf("name = %q, want update applied", got.Name)
	}
	want := []chat.RecentCorrection{first, second}
	if !reflect.DeepEqual(got.RecentCorrections, want) {
		t.Errorf("recentCorrections = %+v, want %+v", got.RecentCorrections, want)
	}
}

func TestSave_Validation(t *testing.T) {
	s := setupTestStore(t, 0)
	tests := []struct {
		name string
		p    chat.UserProfile
	}{
		{"missing id", chat.UserProfile{Name: "x", LearningLevel: "beginner"}},
		{"missing name", chat.UserProfile{ID: "x", LearningLevel: "beginner"}},
		{"bad level", chat.UserProfile{ID: "x", Name: "x", LearningLevel: "fluent-ish"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Save(context.Background(), tt.p)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("Save() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestAddCorrection_Caps(t *testing.T) {
	s := setupTestStore(t, 3)
	ctx := context.Background()

	for i := range 5 {
		rc := chat.RecentCorrection{Original: fmt.Sprintf("o%d", i), Corrected: fmt.Sprintf("c%d", i)}
		if err := s.AddCorrection(ctx, "u1", rc); err != nil {
			t.Fatalf("AddCorrection(%d): %v", i, err)
		}
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "New User" {
		t.Errorf("missing profile should be created from default, got %+v", got)
	}
	if len(got.RecentCorrections) != 3 {
		t.Fatalf("len = %d, want 3", len(got.RecentCorrections))
	}
	if got.RecentCorrections[0].Original != "o2" || got.RecentCorrections[2].Original != "o4" {
		t.Errorf("kept %+v, want the newest three in order", got.RecentCorrections)
	}
	if got.RecentCorrections[0].Timestamp == "" {
		t.Error("timestamp should default to now")
	}
}

func TestDelete(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()
	s.GetOrCreate(ctx, "u1")

	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
}
