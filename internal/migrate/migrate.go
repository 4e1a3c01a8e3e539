package migrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Migration describes one versioned schema step for a single relation.
// Forward creates, Reset empties, Revert drops. Statements are executed
// one at a time in slice order.
type Migration struct {
	Name    string
	Version int
	Forward []string
	Reset   []string
	Revert  []string
}

// Backend abstracts the store a Runner executes against. Implementations
// own placeholder dialect and the shared bookkeeping relation, a table
// named "updates" with columns (time, name, version), primary-keyed on
// all three and shared across every module using the runner.
type Backend interface {
	Exec(ctx context.Context, stmt string) error
	EnsureLog(ctx context.Context) error
	AppliedVersions(ctx context.Context, name string) ([]int, error)
	Record(ctx context.Context, name string, version int, at time.Time) error
	Remove(ctx context.Context, name string, version int) error
}

// Runner applies a statically registered, ordered list of migrations,
// recording executed versions so reruns skip already-applied entries.
type Runner struct {
	backend    Backend
	migrations []Migration
	log        *zap.Logger
}

// NewRunner validates and orders the migration set. Versions must be
// positive and (name, version) pairs unique.
func NewRunner(backend Backend, migrations []Migration, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}

	seen := make(map[string]bool, len(migrations))
	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)

	for _, m := range ordered {
		if m.Name == "" {
			return nil, fmt.Errorf("migration with empty name")
		}
		if m.Version <= 0 {
			return nil, fmt.Errorf("migration %s: version must be positive, got %d", m.Name, m.Version)
		}
		key := fmt.Sprintf("%s@%d", m.Name, m.Version)
		if seen[key] {
			return nil, fmt.Errorf("duplicate migration %s", key)
		}
		seen[key] = true
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Version != ordered[j].Version {
			return ordered[i].Version < ordered[j].Version
		}
		return ordered[i].Name < ordered[j].Name
	})

	return &Runner{
		backend:    backend,
		migrations: ordered,
		log:        log,
	}, nil
}

// Update applies forward statements in version order up to and including
// toVersion. A toVersion of 0 applies everything. Already-recorded
// versions are skipped.
func (r *Runner) Update(ctx context.Context, toVersion int) error {
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return err
	}

	for _, m := range r.migrations {
		if toVersion > 0 && m.Version > toVersion {
			continue
		}
		if applied[m.Name][m.Version] {
			continue
		}

		for _, stmt := range m.Forward {
			if err := r.backend.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s version %d: %w", m.Name, m.Version, err)
			}
		}
		if err := r.backend.Record(ctx, m.Name, m.Version, time.Now().UTC()); err != nil {
			return fmt.Errorf("recording migration %s version %d: %w", m.Name, m.Version, err)
		}
		r.log.Info("migration applied",
			zap.String("name", m.Name),
			zap.Int("version", m.Version),
		)
	}
	return nil
}

// Reset runs the reset statements of every applied migration in reverse
// version order. The schema and the execution log survive; the data does
// not.
func (r *Runner) Reset(ctx context.Context) error {
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return err
	}

	for i := len(r.migrations) - 1; i >= 0; i-- {
		m := r.migrations[i]
		if !applied[m.Name][m.Version] {
			continue
		}
		for _, stmt := range m.Reset {
			if err := r.backend.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("resetting %s version %d: %w", m.Name, m.Version, err)
			}
		}
		r.log.Info("migration reset",
			zap.String("name", m.Name),
			zap.Int("version", m.Version),
		)
	}
	return nil
}

// Revert rolls back applied migrations above toVersion in reverse order,
// removing their log records. A toVersion of 0 reverts everything.
func (r *Runner) Revert(ctx context.Context, toVersion int) error {
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return err
	}

	for i := len(r.migrations) - 1; i >= 0; i-- {
		m := r.migrations[i]
		if m.Version <= toVersion {
			continue
		}
		if !applied[m.Name][m.Version] {
			continue
		}
		for _, stmt := range m.Revert {
			if err := r.backend.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("reverting %s version %d: %w", m.Name, m.Version, err)
			}
		}
		if err := r.backend.Remove(ctx, m.Name, m.Version); err != nil {
			return fmt.Errorf("removing record for %s version %d: %w", m.Name, m.Version, err)
		}
		r.log.Info("migration reverted",
			zap.String("name", m.Name),
			zap.Int("version", m.Version),
		)
	}
	return nil
}

func (r *Runner) appliedSet(ctx context.Context) (map[string]map[int]bool, error) {
	if err := r.backend.EnsureLog(ctx); err != nil {
		return nil, fmt.Errorf("ensuring migration log: %w", err)
	}

	applied := make(map[string]map[int]bool)
	for _, m := range r.migrations {
		if _, ok := applied[m.Name]; ok {
			continue
		}
		versions, err := r.backend.AppliedVersions(ctx, m.Name)
		if err != nil {
			return nil, fmt.Errorf("reading applied versions for %s: %w", m.Name, err)
		}
		set := make(map[int]bool, len(versions))
		for _, v := range versions {
			set[v] = true
		}
		applied[m.Name] = set
	}
	return applied, nil
}
