package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises registry writes across every process sharing
// the database. The value is arbitrary but must be identical everywhere.
const advisoryLockKey = int64(1_652_076_915)

// notifyChannel carries JSON encoded checkpoints to LISTENing subscribers.
const notifyChannel = "braided_checkpoints"

// PostgresRegistry persists a registry in PostgreSQL. The schema lives in
// the migrations package.
type PostgresRegistry struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a PostgresRegistry and records owner if the database
// has none yet. An existing owner is left untouched.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, owner common.Address, logger *zap.Logger) (*PostgresRegistry, error) {
	if _, err := pool.Exec(ctx,
		`INSERT INTO registry_owner (singleton, owner) VALUES (TRUE, $1)
		 ON CONFLICT (singleton) DO NOTHING`, owner.Hex(),
	); err != nil {
		return nil, fmt.Errorf("initialise owner: %w", err)
	}
	return &PostgresRegistry{pool: pool, logger: logger}, nil
}

func toInt64(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds postgres bigint range", n)
	}
	return int64(n), nil
}

// write runs fn inside a transaction holding the registry-wide advisory lock
// with the caller's expected sequence, and consumes the sequence on success.
// fn must check the sequence once the caller's permission is established.
func (r *PostgresRegistry) write(ctx context.Context, caller Caller, fn func(tx pgx.Tx, next uint64) error) error {
	seq, err := toInt64(caller.Sequence)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction ends.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	next, err := selectSequence(ctx, tx, caller.Identity)
	if err != nil {
		return err
	}
	if err := fn(tx, next); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO sequences (identity, next) VALUES ($1, $2)
		 ON CONFLICT (identity) DO UPDATE SET next = EXCLUDED.next`,
		caller.Identity.Hex(), seq+1,
	); err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit registry tx: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) ownerWrite(ctx context.Context, caller Caller, fn func(tx pgx.Tx) error) error {
	return r.write(ctx, caller, func(tx pgx.Tx, next uint64) error {
		var owner string
		if err := tx.QueryRow(ctx, "SELECT owner FROM registry_owner").Scan(&owner); err != nil {
			return fmt.Errorf("read owner: %w", err)
		}
		if err := checkOwner(caller, common.HexToAddress(owner)); err != nil {
			return err
		}
		if err := checkSequence(caller, next); err != nil {
			return err
		}
		return fn(tx)
	})
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func selectSequence(ctx context.Context, q querier, identity common.Address) (uint64, error) {
	var next int64
	err := q.QueryRow(ctx, "SELECT next FROM sequences WHERE identity = $1", identity.Hex()).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return uint64(next), nil
}

func strandExists(ctx context.Context, q querier, id int64) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM strands WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check strand: %w", err)
	}
	return exists, nil
}

// ── Writer ───────────────────────────────────────────────────────────────────

// AddStrand implements Registry.
func (r *PostgresRegistry) AddStrand(ctx context.Context, caller Caller, s Strand) (*Strand, error) {
	id, err := toInt64(s.ID)
	if err != nil {
		return nil, err
	}
	err = r.ownerWrite(ctx, caller, func(tx pgx.Tx) error {
		exists, err := strandExists(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkNewStrand(s, exists); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO strands (id, location, genesis_hash, description)
			 VALUES ($1, $2, $3, $4) RETURNING created_at`,
			id, s.Location, s.GenesisHash.Hex(), s.Description,
		).Scan(&s.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

// AddAgent implements Registry.
func (r *PostgresRegistry) AddAgent(ctx context.Context, caller Caller, agent common.Address, strandID uint64) error {
	return r.agentWrite(ctx, caller, strandID,
		`INSERT INTO strand_agents (strand_id, agent) VALUES ($1, $2) ON CONFLICT DO NOTHING`, agent)
}

// RemoveAgent implements Registry.
func (r *PostgresRegistry) RemoveAgent(ctx context.Context, caller Caller, agent common.Address, strandID uint64) error {
	return r.agentWrite(ctx, caller, strandID,
		`DELETE FROM strand_agents WHERE strand_id = $1 AND agent = $2`, agent)
}

func (r *PostgresRegistry) agentWrite(ctx context.Context, caller Caller, strandID uint64, stmt string, agent common.Address) error {
	id, err := toInt64(strandID)
	if err != nil {
		return err
	}
	return r.ownerWrite(ctx, caller, func(tx pgx.Tx) error {
		exists, err := strandExists(ctx, tx, id)
		if err != nil {
			return err
		}
		if !exists {
			return errUnknownStrand(strandID)
		}
		if _, err := tx.Exec(ctx, stmt, id, agent.Hex()); err != nil {
			return fmt.Errorf("update agents: %w", err)
		}
		return nil
	})
}

// TransferOwnership implements Registry.
func (r *PostgresRegistry) TransferOwnership(ctx context.Context, caller Caller, newOwner common.Address) error {
	return r.ownerWrite(ctx, caller, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "UPDATE registry_owner SET owner = $1", newOwner.Hex()); err != nil {
			return fmt.Errorf("update owner: %w", err)
		}
		return nil
	})
}

// AppendCheckpoint implements Registry.
// The new checkpoint, the strand summary and the NOTIFY are committed in
// one transaction, so subscribers never see an append that rolled back.
func (r *PostgresRegistry) AppendCheckpoint(ctx context.Context, caller Caller, strandID, blockNumber uint64, blockHash common.Hash) (*Checkpoint, error) {
	id, err := toInt64(strandID)
	if err != nil {
		return nil, err
	}
	number, err := toInt64(blockNumber)
	if err != nil {
		return nil, err
	}

	var cp *Checkpoint
	err = r.write(ctx, caller, func(tx pgx.Tx, next uint64) error {
		var count, highest int64
		var tip string
		err := tx.QueryRow(ctx,
			"SELECT checkpoints, highest, tip FROM strands WHERE id = $1", id,
		).Scan(&count, &highest, &tip)
		state := appendState{next: next}
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read strand: %w", err)
		default:
			state.exists = true
			state.count = uint64(count)
			state.highest = uint64(highest)
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM strand_agents WHERE strand_id = $1 AND agent = $2)",
				id, caller.Identity.Hex(),
			).Scan(&state.isAgent); err != nil {
				return fmt.Errorf("check agent: %w", err)
			}
		}

		previous, err := checkAppend(state, caller, strandID, blockNumber)
		if err != nil {
			return err
		}

		cp = &Checkpoint{
			StrandID:    strandID,
			BlockNumber: blockNumber,
			BlockHash:   blockHash,
			Previous:    previous,
			Agent:       caller.Identity,
		}
		cp.Digest = digestCheckpoint(common.HexToHash(tip), cp)

		if err := tx.QueryRow(ctx,
			`INSERT INTO checkpoints (strand_id, block_number, block_hash, previous, agent, digest)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING recorded_at`,
			id, number, blockHash.Hex(), int64(previous), caller.Identity.Hex(), cp.Digest.Hex(),
		).Scan(&cp.RecordedAt); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		cp.RecordedAt = cp.RecordedAt.UTC()

		if _, err := tx.Exec(ctx,
			`UPDATE strands SET
			   lowest = CASE WHEN checkpoints = 0 THEN $2 ELSE lowest END,
			   checkpoints = checkpoints + 1,
			   highest = $2,
			   tip = $3
			 WHERE id = $1`,
			id, number, cp.Digest.Hex(),
		); err != nil {
			return fmt.Errorf("update strand: %w", err)
		}

		payload, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("checkpoint appended",
		zap.Uint64("strand", strandID),
		zap.Uint64("block", blockNumber),
		zap.String("agent", caller.Identity.Hex()),
	)
	return cp, nil
}

// ── Reader ───────────────────────────────────────────────────────────────────

// Owner implements Registry.
func (r *PostgresRegistry) Owner(ctx context.Context) (common.Address, error) {
	var owner string
	if err := r.pool.QueryRow(ctx, "SELECT owner FROM registry_owner").Scan(&owner); err != nil {
		return common.Address{}, fmt.Errorf("read owner: %w", err)
	}
	return common.HexToAddress(owner), nil
}

const strandColumns = "id, location, genesis_hash, description, created_at"

func scanStrand(row pgx.Row) (*Strand, error) {
	var (
		s       Strand
		id      int64
		genesis string
	)
	if err := row.Scan(&id, &s.Location, &genesis, &s.Description, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.ID = uint64(id)
	s.GenesisHash = common.HexToHash(genesis)
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

// Strand implements Registry.
func (r *PostgresRegistry) Strand(ctx context.Context, id uint64) (*Strand, error) {
	s, err := scanStrand(r.pool.QueryRow(ctx,
		"SELECT "+strandColumns+" FROM strands WHERE id = $1", int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errUnknownStrand(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get strand %d: %w", id, err)
	}
	return s, nil
}

// StrandCount implements Registry.
func (r *PostgresRegistry) StrandCount(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM strands").Scan(&n); err != nil {
		return 0, fmt.Errorf("count strands: %w", err)
	}
	return n, nil
}

// StrandAt implements Registry.
func (r *PostgresRegistry) StrandAt(ctx context.Context, index int) (*Strand, error) {
	if index < 0 {
		return nil, Errorf(UnknownStrand, 0, 0, "no strand at index %d", index)
	}
	s, err := scanStrand(r.pool.QueryRow(ctx,
		"SELECT "+strandColumns+" FROM strands ORDER BY position OFFSET $1 LIMIT 1", index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Errorf(UnknownStrand, 0, 0, "no strand at index %d", index)
	}
	if err != nil {
		return nil, fmt.Errorf("get strand at %d: %w", index, err)
	}
	return s, nil
}

// IsAgent implements Registry.
func (r *PostgresRegistry) IsAgent(ctx context.Context, identity common.Address, strandID uint64) (bool, error) {
	exists, err := strandExists(ctx, r.pool, int64(strandID))
	if err != nil {
		return false, err
	}
	if !exists {
		return false, errUnknownStrand(strandID)
	}
	var ok bool
	if err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM strand_agents WHERE strand_id = $1 AND agent = $2)",
		int64(strandID), identity.Hex(),
	).Scan(&ok); err != nil {
		return false, fmt.Errorf("check agent: %w", err)
	}
	return ok, nil
}

func (r *PostgresRegistry) bounds(ctx context.Context, strandID uint64) (lowest, highest uint64, err error) {
	var count, lo, hi int64
	err = r.pool.QueryRow(ctx,
		"SELECT checkpoints, lowest, highest FROM strands WHERE id = $1", int64(strandID),
	).Scan(&count, &lo, &hi)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, errUnknownStrand(strandID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read strand %d: %w", strandID, err)
	}
	if count == 0 {
		return 0, 0, errEmptyStrand(strandID)
	}
	return uint64(lo), uint64(hi), nil
}

// HighestBlockNumber implements Registry.
func (r *PostgresRegistry) HighestBlockNumber(ctx context.Context, strandID uint64) (uint64, error) {
	_, hi, err := r.bounds(ctx, strandID)
	return hi, err
}

// LowestBlockNumber implements Registry.
func (r *PostgresRegistry) LowestBlockNumber(ctx context.Context, strandID uint64) (uint64, error) {
	lo, _, err := r.bounds(ctx, strandID)
	return lo, err
}

const checkpointColumns = "strand_id, block_number, block_hash, previous, agent, recorded_at, digest"

func scanCheckpoint(row pgx.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var strand, number, prev int64
	var hash, agent, digest string
	if err := row.Scan(&strand, &number, &hash, &prev, &agent, &cp.RecordedAt, &digest); err != nil {
		return nil, err
	}
	cp.StrandID = uint64(strand)
	cp.BlockNumber = uint64(number)
	cp.BlockHash = common.HexToHash(hash)
	cp.Previous = uint64(prev)
	cp.Agent = common.HexToAddress(agent)
	cp.RecordedAt = cp.RecordedAt.UTC()
	cp.Digest = common.HexToHash(digest)
	return &cp, nil
}

func (r *PostgresRegistry) checkpoint(ctx context.Context, strandID, blockNumber uint64) (*Checkpoint, error) {
	cp, err := scanCheckpoint(r.pool.QueryRow(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE strand_id = $1 AND block_number = $2",
		int64(strandID), int64(blockNumber)))
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get checkpoint %d/%d: %w", strandID, blockNumber, err)
	}
	exists, err := strandExists(ctx, r.pool, int64(strandID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errUnknownStrand(strandID)
	}
	return nil, errNotRecorded(strandID, blockNumber)
}

// BlockHash implements Registry.
func (r *PostgresRegistry) BlockHash(ctx context.Context, strandID, blockNumber uint64) (common.Hash, error) {
	cp, err := r.checkpoint(ctx, strandID, blockNumber)
	if err != nil {
		return common.Hash{}, err
	}
	return cp.BlockHash, nil
}

// PreviousCheckpoint implements Registry.
func (r *PostgresRegistry) PreviousCheckpoint(ctx context.Context, strandID, blockNumber uint64) (*Checkpoint, error) {
	cp, err := r.checkpoint(ctx, strandID, blockNumber)
	if err != nil {
		return nil, err
	}
	if cp.Previous == 0 {
		return nil, Errorf(NotRecorded, strandID, blockNumber,
			"block %d is the first checkpoint on strand %d", blockNumber, strandID)
	}
	return r.checkpoint(ctx, strandID, cp.Previous)
}

// NextSequence implements Registry.
func (r *PostgresRegistry) NextSequence(ctx context.Context, identity common.Address) (uint64, error) {
	return selectSequence(ctx, r.pool, identity)
}

// SubscribeCheckpoints implements Subscriber using LISTEN/NOTIFY, so appends
// made by any process sharing the database are delivered.
func (r *PostgresRegistry) SubscribeCheckpoints(ctx context.Context) (<-chan Checkpoint, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	ch := make(chan Checkpoint, subscriberBuffer)
	go func() {
		defer close(ch)
		defer func() {
			unlistenCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn.Exec(unlistenCtx, "UNLISTEN *") //nolint:errcheck
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("checkpoint listener stopped", zap.Error(err))
				}
				return
			}
			var cp Checkpoint
			if err := json.Unmarshal([]byte(n.Payload), &cp); err != nil {
				r.logger.Warn("malformed checkpoint notification", zap.Error(err))
				continue
			}
			select {
			case ch <- cp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Verify implements Verifier. It streams every strand's checkpoints in
// block order and validates the digest chain. O(n) in total checkpoints.
func (r *PostgresRegistry) Verify(ctx context.Context) error {
	rows, err := r.pool.Query(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints ORDER BY strand_id, block_number")
	if err != nil {
		return fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var (
		current uint64
		batch   []*Checkpoint
	)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return fmt.Errorf("scan checkpoint: %w", err)
		}
		if len(batch) > 0 && cp.StrandID != current {
			if err := verifyChain(current, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
		current = cp.StrandID
		batch = append(batch, cp)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return verifyChain(current, batch)
}
