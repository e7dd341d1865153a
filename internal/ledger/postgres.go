package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
	"go.uber.org/zap"
)

// advisoryLockClass is the first key of the two-key PostgreSQL advisory lock
// used to serialise concurrent appends; the second key is derived from the
// ledger name so different ledgers append independently.
const advisoryLockClass = int32(1_159_876)

const revisionColumns = `seq, strand_id, table_name, document_id, version, tx_id, tx_time, data, hash`

// PostgresStore persists one named ledger's revisions to PostgreSQL.
// It implements the Store interface.
type PostgresStore struct {
	pool     *pgxpool.Pool
	name     string
	strandID string
	logger   *zap.Logger
}

// OpenPostgresStore returns the store for ledger name, creating its strand
// record on first use.
func OpenPostgresStore(ctx context.Context, pool *pgxpool.Pool, name string, logger *zap.Logger) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx,
		`INSERT INTO ledgers (name, strand_id) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, newStrandID(),
	); err != nil {
		return nil, fmt.Errorf("create ledger %q: %w", name, err)
	}

	var strandID string
	if err := pool.QueryRow(ctx,
		`SELECT strand_id FROM ledgers WHERE name = $1`, name,
	).Scan(&strandID); err != nil {
		return nil, fmt.Errorf("read ledger %q: %w", name, err)
	}

	return &PostgresStore{pool: pool, name: name, strandID: strandID, logger: logger}, nil
}

// StrandID returns the identifier of the ledger's strand.
func (s *PostgresStore) StrandID() string { return s.strandID }

// Append implements Store.
// It acquires a PostgreSQL advisory lock, reads the strand tail and the
// document's previous version, computes the revision hash, and inserts it,
// all within a single transaction.
func (s *PostgresStore) Append(ctx context.Context, table, documentID string, data any) (*Revision, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, hashtext($2))", advisoryLockClass, s.name); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var tail int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM ledger_revisions WHERE ledger = $1`, s.name,
	).Scan(&tail); err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}
	next := uint64(tail)

	version := int64(0)
	if documentID == "" {
		documentID = uuid.NewString()
	} else {
		var prevTable string
		var prevVersion int64
		err := tx.QueryRow(ctx,
			`SELECT table_name, version FROM ledger_revisions
			 WHERE ledger = $1 AND document_id = $2 ORDER BY seq DESC LIMIT 1`,
			s.name, documentID,
		).Scan(&prevTable, &prevVersion)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("read document %q: %w", documentID, err)
		case prevTable != table:
			return nil, fmt.Errorf("%w: %q is in %q", ErrTableMismatch, documentID, prevTable)
		default:
			version = prevVersion + 1
		}
	}

	addr := verifier.BlockAddress{StrandID: s.strandID, SequenceNo: next}
	rev, err := buildRevision(table, documentID, version, addr, data)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(rev.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_revisions (ledger, `+revisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.name, int64(next), s.strandID, table, documentID,
		rev.Fields.Version, rev.Fields.TxID, rev.Fields.TxTime,
		doc, []byte(rev.Hash),
	); err != nil {
		return nil, fmt.Errorf("insert revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("revision appended",
		zap.String("ledger", s.name),
		zap.Uint64("seq", next),
		zap.String("table", table),
		zap.String("document_id", documentID),
		zap.Int64("version", version),
	)
	return rev, nil
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context, documentID string) (*Revision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM ledger_revisions
		 WHERE ledger = $1 AND document_id = $2 ORDER BY seq DESC LIMIT 1`,
		s.name, documentID,
	)
	rev, err := scanRevision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %q", ErrNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest revision of %q: %w", documentID, err)
	}
	return rev, nil
}

// Digest implements Store.
func (s *PostgresStore) Digest(ctx context.Context) (*verifier.LedgerDigest, error) {
	leaves, err := s.leaves(ctx, -1)
	if err != nil {
		return nil, err
	}
	root, err := merkleRoot(leaves)
	if err != nil {
		return nil, err
	}
	return &verifier.LedgerDigest{
		Digest:     root,
		TipAddress: verifier.BlockAddress{StrandID: s.strandID, SequenceNo: uint64(len(leaves) - 1)},
	}, nil
}

// Revision implements Store.
func (s *PostgresStore) Revision(ctx context.Context, _ string, addr, tip verifier.BlockAddress) (*verifier.FetchedRevision, error) {
	n, err := s.Len(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkAddresses(s.strandID, n, addr, tip); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM ledger_revisions WHERE ledger = $1 AND seq = $2`,
		s.name, int64(addr.SequenceNo),
	)
	rev, err := scanRevision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: block %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get revision %s: %w", addr, err)
	}

	leaves, err := s.leaves(ctx, int64(tip.SequenceNo))
	if err != nil {
		return nil, err
	}
	return fetched(rev, leaves)
}

// Tables implements Store.
func (s *PostgresStore) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT table_name FROM ledger_revisions WHERE ledger = $1 ORDER BY table_name`, s.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM ledger_revisions WHERE ledger = $1", s.name,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count revisions: %w", err)
	}
	return n, nil
}

// Verify implements Store. It streams all revisions ordered by seq and
// re-derives each hash. O(n) in ledger length; may be slow for very large
// ledgers.
func (s *PostgresStore) Verify(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+revisionColumns+` FROM ledger_revisions WHERE ledger = $1 ORDER BY seq ASC`, s.name,
	)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var seq uint64
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return fmt.Errorf("scan revision row: %w", err)
		}
		if err := verifyRevision(rev, s.strandID, seq); err != nil {
			return err
		}
		seq++
	}
	return rows.Err()
}

// leaves returns revision hashes in sequence order up to and including
// maxSeq, or all of them when maxSeq is negative.
func (s *PostgresStore) leaves(ctx context.Context, maxSeq int64) ([]hash.Hash, error) {
	query := `SELECT hash FROM ledger_revisions WHERE ledger = $1 AND ($2::bigint < 0 OR seq <= $2::bigint) ORDER BY seq ASC`
	rows, err := s.pool.Query(ctx, query, s.name, maxSeq)
	if err != nil {
		return nil, fmt.Errorf("query leaves: %w", err)
	}
	defer rows.Close()

	var out []hash.Hash
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan leaf: %w", err)
		}
		out = append(out, hash.Hash(b))
	}
	return out, rows.Err()
}

func scanRevision(row pgx.Row) (*Revision, error) {
	var (
		rev  Revision
		seq  int64
		doc  []byte
		leaf []byte
	)
	if err := row.Scan(
		&seq, &rev.Address.StrandID, &rev.TableName, &rev.DocumentID,
		&rev.Fields.Version, &rev.Fields.TxID, &rev.Fields.TxTime,
		&doc, &leaf,
	); err != nil {
		return nil, err
	}
	rev.Address.SequenceNo = uint64(seq)
	rev.Fields.ID = rev.DocumentID
	rev.Fields.TxTime = rev.Fields.TxTime.UTC()
	rev.Hash = leaf

	data, err := decodeDocument(doc)
	if err != nil {
		return nil, err
	}
	rev.Data = data
	return &rev, nil
}
