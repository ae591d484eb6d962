package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"arxivdigest/internal/domain"
	"arxivdigest/internal/ports"
)

// partitionNames lists every cache partition: one per filter stage plus the
// highlighting post-stage. Each gets an equal share of the size budget so a
// single stage's growth cannot starve the others.
var partitionNames = []string{
	domain.StageOne,
	domain.StageTwo,
	domain.StageThree,
	domain.StageHighlight,
}

const createTable = `
CREATE TABLE IF NOT EXISTS entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	size       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_created ON entries (created_at);
CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries (expires_at);
`

// Store persists stage judgments across runs, one sqlite file per partition
// under the cache directory. Entries carry a TTL from write time and are
// evicted oldest-first when a partition outgrows its byte cap. Writes use
// REPLACE, so re-evaluating the same key is idempotent last-writer-wins.
type Store struct {
	dir        string
	ttl        time.Duration
	partitions map[string]*partition
	log        *slog.Logger
}

type partition struct {
	db        *sql.DB
	sizeLimit int64
}

var _ ports.JudgmentCache = (*Store)(nil)

// New opens (or creates) every partition. sizeLimit is the total byte budget
// across partitions; ttl is the uniform entry lifetime.
func New(dir string, sizeLimit int64, ttl time.Duration, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}

	store := &Store{
		dir:        dir,
		ttl:        ttl,
		partitions: make(map[string]*partition, len(partitionNames)),
		log:        log,
	}

	perPartition := sizeLimit / int64(len(partitionNames))
	for _, name := range partitionNames {
		db, err := sql.Open("sqlite", filepath.Join(dir, name+".db"))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open %s partition: %w", name, err)
		}
		if _, err := db.Exec(createTable); err != nil {
			db.Close()
			store.Close()
			return nil, fmt.Errorf("init %s partition: %w", name, err)
		}
		store.partitions[name] = &partition{db: db, sizeLimit: perPartition}
	}

	log.Info("judgment cache opened",
		"dir", dir,
		"size_limit_mb", sizeLimit/1024/1024,
		"ttl", ttl)

	return store, nil
}

func (s *Store) partition(stage string) (*partition, error) {
	p, ok := s.partitions[stage]
	if !ok {
		return nil, fmt.Errorf("unknown cache stage %q", stage)
	}
	return p, nil
}

// entryKey combines the paper id with the configuration fingerprint, so an
// entry written under a different scoring configuration reads as a miss.
func entryKey(paperID, fingerprint string) string {
	if fingerprint == "" {
		return paperID
	}
	return paperID + ":" + fingerprint
}

// Get returns the payload stored for (stage, paperID, fingerprint), or a
// miss when no live entry exists. Expired entries count as misses.
func (s *Store) Get(ctx context.Context, stage, paperID, fingerprint string) ([]byte, bool, error) {
	p, err := s.partition(stage)
	if err != nil {
		return nil, false, err
	}

	key := entryKey(paperID, fingerprint)
	query, args, err := sq.Select("value").
		From("entries").
		Where(sq.Eq{"key": key}).
		Where(sq.Gt{"expires_at": time.Now().UnixNano()}).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build get query: %w", err)
	}

	var value []byte
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Debug("cache miss", "stage", stage, "key", key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s/%s: %w", stage, key, err)
	}

	s.log.Debug("cache hit", "stage", stage, "key", key)
	return value, true, nil
}

// Set stores the payload wholesale with a fresh TTL, then trims the
// partition back under its byte cap.
func (s *Store) Set(ctx context.Context, stage, paperID, fingerprint string, payload []byte) error {
	p, err := s.partition(stage)
	if err != nil {
		return err
	}

	key := entryKey(paperID, fingerprint)
	now := time.Now()
	query, args, err := sq.Replace("entries").
		Columns("key", "value", "size", "created_at", "expires_at").
		Values(key, payload, len(payload), now.UnixNano(), now.Add(s.ttl).UnixNano()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cache set %s/%s: %w", stage, key, err)
	}
	s.log.Debug("cache set", "stage", stage, "key", key, "bytes", len(payload))

	return s.trim(ctx, stage, p)
}

// trim purges expired entries, then deletes oldest entries until the
// partition is within its size limit.
func (s *Store) trim(ctx context.Context, stage string, p *partition) error {
	purge, args, err := sq.Delete("entries").
		Where(sq.LtOrEq{"expires_at": time.Now().UnixNano()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build purge query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, purge, args...); err != nil {
		return fmt.Errorf("purge expired %s: %w", stage, err)
	}

	for {
		volume, err := s.volume(ctx, p)
		if err != nil {
			return err
		}
		if volume <= p.sizeLimit {
			return nil
		}

		evict := `DELETE FROM entries WHERE key IN
			(SELECT key FROM entries ORDER BY created_at ASC LIMIT 16)`
		res, err := p.db.ExecContext(ctx, evict)
		if err != nil {
			return fmt.Errorf("evict %s: %w", stage, err)
		}
		deleted, _ := res.RowsAffected()
		if deleted == 0 {
			return nil
		}
		s.log.Debug("cache evicted", "stage", stage, "entries", deleted)
	}
}

func (s *Store) volume(ctx context.Context, p *partition) (int64, error) {
	query, args, err := sq.Select("COALESCE(SUM(size), 0)").From("entries").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build volume query: %w", err)
	}
	var volume int64
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&volume); err != nil {
		return 0, fmt.Errorf("cache volume: %w", err)
	}
	return volume, nil
}

// ClearStage drops every entry of one partition.
func (s *Store) ClearStage(ctx context.Context, stage string) error {
	p, err := s.partition(stage)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear %s: %w", stage, err)
	}
	s.log.Info("cache cleared", "stage", stage)
	return nil
}

// ClearAll drops every entry of every partition.
func (s *Store) ClearAll(ctx context.Context) error {
	for _, name := range partitionNames {
		if err := s.ClearStage(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports entry count, byte volume, and cap per partition.
func (s *Store) Stats(ctx context.Context) (map[string]ports.PartitionStats, error) {
	stats := make(map[string]ports.PartitionStats, len(s.partitions))
	for name, p := range s.partitions {
		query, args, err := sq.Select("COUNT(*)", "COALESCE(SUM(size), 0)").
			From("entries").
			Where(sq.Gt{"expires_at": time.Now().UnixNano()}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build stats query: %w", err)
		}

		var entries int
		var volume int64
		if err := p.db.QueryRowContext(ctx, query, args...).Scan(&entries, &volume); err != nil {
			return nil, fmt.Errorf("stats %s: %w", name, err)
		}
		stats[name] = ports.PartitionStats{
			Entries:   entries,
			Volume:    volume,
			SizeLimit: p.sizeLimit,
		}
	}
	return stats, nil
}

// Close closes every partition database.
func (s *Store) Close() error {
	var firstErr error
	for name, p := range s.partitions {
		if err := p.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s partition: %w", name, err)
		}
	}
	return firstErr
}
