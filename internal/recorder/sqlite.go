package recorder

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"

	"RewardLedger/internal/fixedpoint"
	"RewardLedger/internal/model"
)

// SQLiteRecorder persists ledger events to a SQLite database.
// Amounts are stored as decimal TEXT since they exceed 64 bits.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets the status command read while the daemon writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Printf("[INFO] sqlite recorder opened: %s", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS claims (
			id        TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			user      TEXT NOT NULL,
			amount    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_user_ts ON claims(user, timestamp)`,

		`CREATE TABLE IF NOT EXISTS acks (
			id                TEXT PRIMARY KEY,
			timestamp         INTEGER NOT NULL,
			balance_before    TEXT,
			balance_now       TEXT,
			total_staked      TEXT,
			multiplier_before TEXT,
			multiplier_after  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_acks_ts ON acks(timestamp)`,

		`CREATE TABLE IF NOT EXISTS pulls (
			id        TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			source    TEXT,
			amount    TEXT,
			from_ts   INTEGER,
			to_ts     INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pulls_ts ON pulls(timestamp)`,

		`CREATE TABLE IF NOT EXISTS pull_setups (
			id        TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			source    TEXT,
			start_at  INTEGER,
			end_at    INTEGER,
			amount    TEXT
		)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordClaim(evt *model.ClaimEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO claims (id, timestamp, user, amount) VALUES (?,?,?,?)`,
		eventID(evt.ID), evt.At.Unix(), evt.User.Hex(), evt.Amount.Dec(),
	)
	return err
}

func (r *SQLiteRecorder) RecordAck(evt *model.AckEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO acks
		(id, timestamp, balance_before, balance_now, total_staked, multiplier_before, multiplier_after)
		VALUES (?,?,?,?,?,?,?)`,
		eventID(evt.ID), evt.At.Unix(),
		evt.BalanceBefore.Dec(), evt.BalanceNow.Dec(), evt.TotalStaked.Dec(),
		evt.MultiplierBefore.Dec(), evt.MultiplierAfter.Dec(),
	)
	return err
}

func (r *SQLiteRecorder) RecordPull(evt *model.PullEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO pulls (id, timestamp, source, amount, from_ts, to_ts) VALUES (?,?,?,?,?,?)`,
		eventID(evt.ID), evt.At.Unix(), evt.Source.Hex(), evt.Amount.Dec(), evt.From, evt.To,
	)
	return err
}

func (r *SQLiteRecorder) RecordPullSetup(evt *model.PullSetupEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO pull_setups (id, timestamp, source, start_at, end_at, amount) VALUES (?,?,?,?,?,?)`,
		eventID(evt.ID), evt.At.Unix(), evt.Source.Hex(), evt.StartAt, evt.EndAt, evt.Amount.Dec(),
	)
	return err
}

func (r *SQLiteRecorder) ListClaims(user common.Address, limit int) ([]model.ClaimEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`SELECT id, timestamp, amount FROM claims
		WHERE user = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`, user.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	var out []model.ClaimEvent
	for rows.Next() {
		var (
			id     string
			ts     int64
			amount string
		)
		if err := rows.Scan(&id, &ts, &amount); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		evt := model.ClaimEvent{User: user, At: time.Unix(ts, 0)}
		if evt.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse claim id %q: %w", id, err)
		}
		if evt.Amount, err = uint256.FromDecimal(amount); err != nil {
			return nil, fmt.Errorf("parse claim amount %q: %w", amount, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) TotalClaimed(user common.Address) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT amount FROM claims WHERE user = ?`, user.Hex())
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	total := fixedpoint.Zero()
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		v, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("parse claim amount %q: %w", amount, err)
		}
		if total, err = fixedpoint.Add(total, v); err != nil {
			return nil, err
		}
	}
	return total, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	log.Println("[INFO] closing sqlite recorder")
	return r.db.Close()
}

func eventID(id uuid.UUID) string {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return id.String()
}
