package consistency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const evidenceSchema = `
CREATE TABLE IF NOT EXISTS evidence (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	strand_id    INTEGER NOT NULL,
	block_number INTEGER NOT NULL,
	left_party   TEXT    NOT NULL,
	right_party  TEXT    NOT NULL,
	left_hash    TEXT    NOT NULL,
	right_hash   TEXT    NOT NULL,
	match        INTEGER NOT NULL,
	observed_at  TEXT    NOT NULL,
	UNIQUE (strand_id, block_number, left_party, right_party, left_hash, right_hash)
);
CREATE INDEX IF NOT EXISTS idx_evidence_clashes ON evidence (match, strand_id, block_number);
`

// Evidence is a stored comparison.
type Evidence struct {
	Comparison
	ObservedAt time.Time
}

// Filter narrows List.
type Filter struct {
	ClashesOnly bool
	// StrandID restricts results when non-zero.
	StrandID uint64
}

// SQLiteStore keeps comparisons in a SQLite file. Recording the same
// comparison twice stores it once.
type SQLiteStore struct {
	db     *sql.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ Recorder = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the evidence database at path. ":memory:"
// gives a private in-memory store.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence database: %w", err)
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(evidenceSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create evidence schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("evidence store opened", zap.String("path", path))
	return &SQLiteStore{db: db, clock: time.Now, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Record stores cmps in one transaction.
func (s *SQLiteStore) Record(ctx context.Context, cmps []Comparison) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO evidence
			(strand_id, block_number, left_party, right_party, left_hash, right_hash, match, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := s.clock().UTC().Format(time.RFC3339Nano)
	var inserted int64
	for _, c := range cmps {
		res, err := stmt.ExecContext(ctx,
			int64(c.StrandID), int64(c.BlockNumber),
			c.Left, c.Right, c.LeftHash.Hex(), c.RightHash.Hex(),
			c.Match(), now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert strand %d block %d: %w", c.StrandID, c.BlockNumber, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.logger.Debug("recorded evidence", zap.Int("comparisons", len(cmps)), zap.Int64("new", inserted))
	return nil
}

// List returns stored evidence ordered by strand, then newest block first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Evidence, error) {
	q := `SELECT strand_id, block_number, left_party, right_party, left_hash, right_hash, observed_at
		FROM evidence WHERE 1 = 1`
	var args []any
	if f.ClashesOnly {
		q += ` AND match = 0`
	}
	if f.StrandID != 0 {
		q += ` AND strand_id = ?`
		args = append(args, int64(f.StrandID))
	}
	q += ` ORDER BY strand_id, block_number DESC, left_party, right_party`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		var (
			e                   Evidence
			strand, block       int64
			leftHash, rightHash string
			observed            string
		)
		if err := rows.Scan(&strand, &block, &e.Left, &e.Right, &leftHash, &rightHash, &observed); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		e.StrandID, e.BlockNumber = uint64(strand), uint64(block)
		e.LeftHash, e.RightHash = common.HexToHash(leftHash), common.HexToHash(rightHash)
		if e.ObservedAt, err = time.Parse(time.RFC3339Nano, observed); err != nil {
			return nil, fmt.Errorf("bad observed_at %q: %w", observed, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
