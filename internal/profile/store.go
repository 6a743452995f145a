// Package profile persists learner profiles in SQLite and resolves the
// profile each conversation turn is personalised for.
package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/parley/internal/chat"
)

// ErrNotFound is returned when no profile exists for an ID.
var ErrNotFound = errors.New("profile not found")

// DefaultMaxRecentCorrections bounds the correction history kept on a
// profile when the store is created with a zero limit.
const DefaultMaxRecentCorrections = 20

// Default returns the profile a new learner starts with.
func Default(id string) chat.UserProfile {
	return chat.UserProfile{
		ID:                id,
		Name:              "New User",
		Interests:         []string{"technology", "news", "language learning"},
		LearningLevel:     "intermediate",
		RecentCorrections: []chat.RecentCorrection{},
	}
}

// Store manages profile persistence.
type Store struct {
	db        *sql.DB
	maxRecent int
	logger    *slog.Logger
}

// NewStore creates a profile store on db, running migrations on first
// use. maxRecent caps each profile's recentCorrections; zero selects
// [DefaultMaxRecentCorrections].
func NewStore(db *sql.DB, maxRecent int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRecent <= 0 {
		maxRecent = DefaultMaxRecentCorrections
	}
	s := &Store{db: db, maxRecent: maxRecent, logger: logger.With("component", "profile")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate profiles: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			interests TEXT NOT NULL DEFAULT '[]',
			learning_level TEXT NOT NULL,
			recent_corrections TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Get loads a profile. It returns [ErrNotFound] when id is unknown.
func (s *Store) Get(ctx context.Context, id string) (chat.UserProfile, error) {
	var (
		p         chat.UserProfile
		interests string
		recent    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, interests, learning_level, recent_corrections FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &interests, &p.LearningLevel, &recent)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.UserProfile{}, ErrNotFound
	}
	if err != nil {
		return chat.UserProfile{}, fmt.Errorf("query profile %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(interests), &p.Interests); err != nil {
		return chat.UserProfile{}, fmt.Errorf("decode interests: %w", err)
	}
	if err := json.Unmarshal([]byte(recent), &p.RecentCorrections); err != nil {
		return chat.UserProfile{}, fmt.Errorf("decode recent corrections: %w", err)
	}
	if p.Interests == nil {
		p.Interests = []string{}
	}
	if p.RecentCorrections == nil {
		p.RecentCorrections = []chat.RecentCorrection{}
	}
	return p, nil
}

// GetOrCreate loads a profile, creating [Default] for id when none
// exists.
func (s *Store) GetOrCreate(ctx context.Context, id string) (chat.UserProfile, error) {
	p, err := s.Get(ctx, id)
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}

	p = Default(id)
	if err := s.write(ctx, p); err != nil {
		return chat.UserProfile{}, err
	}
	s.logger.Info("created default profile", "id", id)
	return p, nil
}

// Save creates or updates the editable fields of a profile. The stored
// recentCorrections are kept; incoming ones are ignored. It reports
// whether the profile was newly created.
func (s *Store) Save(ctx context.Context, p chat.UserProfile) (bool, error) {
	if err := validate(p); err != nil {
		return false, &ValidationError{Err: err}
	}
	p.LearningLevel = strings.ToLower(p.LearningLevel)

	existing, err := s.Get(ctx, p.ID)
	created := errors.Is(err, ErrNotFound)
	switch {
	case created:
		p.RecentCorrections = []chat.RecentCorrection{}
	case err != nil:
		return false, err
	default:
		p.RecentCorrections = existing.RecentCorrections
	}
	if p.Interests == nil {
		p.Interests = []string{}
	}

	if err := s.write(ctx, p); err != nil {
		return false, err
	}
	return created, nil
}

// AddCorrection appends rc to the profile's recentCorrections, dropping
// the oldest entries beyond the store's cap. A missing profile is
// created from [Default] first.
func (s *Store) AddCorrection(ctx context.Context, id string, rc chat.RecentCorrection) error {
	if rc.Timestamp == "" {
		rc.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var recent string
	err = tx.QueryRowContext(ctx, `SELECT recent_corrections FROM profiles WHERE id = ?`, id).Scan(&recent)
	var list []chat.RecentCorrection
	switch {
	case errors.Is(err, sql.ErrNoRows):
		d := Default(id)
		if err := insertProfile(ctx, tx, d); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load corrections: %w", err)
	default:
		if err := json.Unmarshal([]byte(recent), &list); err != nil {
			return fmt.Errorf("decode recent corrections: %w", err)
		}
	}

	list = append(list, rc)
	if over := len(list) - s.maxRecent; over > 0 {
		list = list[over:]
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE profiles SET recent_corrections = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(data), id,
	); err != nil {
		return fmt.Errorf("update corrections: %w", err)
	}
	return tx.Commit()
}

// Delete removes a profile.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) write(ctx context.Context, p chat.UserProfile) error {
	return insertProfile(ctx, s.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertProfile creates p or updates its editable fields. An existing
// row's recent_corrections are only ever changed by AddCorrection, so a
// write built from an older read cannot drop corrections recorded since.
func insertProfile(ctx context.Context, db execer, p chat.UserProfile) error {
	interests, err := json.Marshal(p.Interests)
	if err != nil {
		return err
	}
	recent := p.RecentCorrections
	if recent == nil {
		recent = []chat.RecentCorrection{}
	}
	corrections, err := json.Marshal(recent)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, interests, learning_level, recent_corrections)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			interests = excluded.interests,
			learning_level = excluded.learning_level,
			updated_at = CURRENT_TIMESTAMP`,
		p.ID, p.Name, string(interests), p.LearningLevel, string(corrections),
	)
	if err != nil {
		return fmt.Errorf("write profile %s: %w", p.ID, err)
	}
	return nil
}

// Levels lists the accepted learningLevel values.
var Levels = []string{"beginner", "elementary", "intermediate", "upper-intermediate", "advanced"}

func validate(p chat.UserProfile) error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	level := strings.ToLower(p.LearningLevel)
	ok := false
	for _, l := range Levels {
		if level == l {
			ok = true
			break
		}
	}
	if !ok {
		errs = append(errs, fmt.Errorf("learningLevel %q (valid: %s)", p.LearningLevel, strings.Join(Levels, ", ")))
	}
	return errors.Join(errs...)
}

// ValidationError reports whether err came from profile validation
// rather than storage.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return "invalid profile: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }
