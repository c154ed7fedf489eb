package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"PerpPilot/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists ledger state and trade history to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the SQLite database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read performance (dashboards read while
	// the bot writes).
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Printf("[INFO] sqlite store opened: %s", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			symbol             TEXT NOT NULL,
			side               TEXT NOT NULL,
			leverage           INTEGER,
			entry_price        REAL,
			original_quantity  REAL,
			remaining_quantity REAL,
			margin             REAL,
			liquidation_price  REAL,
			stop_loss_price    REAL,
			ladder             TEXT,
			high_water_mark    REAL,
			opened_at          INTEGER,
			status             TEXT,
			managed            INTEGER,
			order_ref          TEXT,
			closed_at          INTEGER,
			PRIMARY KEY (symbol, order_ref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,

		`CREATE TABLE IF NOT EXISTS trade_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   INTEGER NOT NULL,
			order_ref   TEXT,
			symbol      TEXT,
			side        TEXT,
			exit_reason TEXT,
			quantity    REAL,
			entry_price REAL,
			exit_price  REAL,
			realized_pnl REAL,
			fees        REAL,
			opened_at   INTEGER,
			closed_at   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trade_history(timestamp)`,

		`CREATE TABLE IF NOT EXISTS daily_summary (
			date          TEXT PRIMARY KEY,
			realized_pnl  REAL,
			trade_count   INTEGER,
			wins          INTEGER,
			losses        INTEGER,
			max_drawdown  REAL,
			ending_equity REAL,
			written_at    INTEGER
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// UpsertPosition writes the current state of an open position.
func (s *SQLiteStore) UpsertPosition(p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ladder, err := json.Marshal(p.Ladder)
	if err != nil {
		return fmt.Errorf("marshal ladder: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO positions
		(symbol, side, leverage, entry_price, original_quantity, remaining_quantity,
		 margin, liquidation_price, stop_loss_price, ladder, high_water_mark,
		 opened_at, status, managed, order_ref, closed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL)
		ON CONFLICT(symbol, order_ref) DO UPDATE SET
		 remaining_quantity=excluded.remaining_quantity,
		 stop_loss_price=excluded.stop_loss_price,
		 ladder=excluded.ladder,
		 high_water_mark=excluded.high_water_mark,
		 status=excluded.status`,
		p.Symbol, p.Side, p.Leverage, p.EntryPrice, p.OriginalQuantity,
		p.RemainingQuantity, p.Margin, p.LiquidationPrice, p.StopLossPrice,
		string(ladder), p.HighWaterMark, p.OpenedAt.Unix(), p.Status,
		boolToInt(p.Managed), p.OrderRef,
	)
	return err
}

// ArchivePosition marks a position CLOSED in the positions table.
func (s *SQLiteStore) ArchivePosition(p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE positions
		SET status=?, remaining_quantity=?, closed_at=?
		WHERE symbol=? AND order_ref=?`,
		model.StatusClosed, p.RemainingQuantity, time.Now().Unix(),
		p.Symbol, p.OrderRef,
	)
	return err
}

// LoadOpenPositions restores non-closed positions after a restart.
func (s *SQLiteStore) LoadOpenPositions() ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT symbol, side, leverage, entry_price,
		original_quantity, remaining_quantity, margin, liquidation_price,
		stop_loss_price, ladder, high_water_mark, opened_at, status, managed, order_ref
		FROM positions WHERE status != ?`, model.StatusClosed)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var ladder string
		var openedAt int64
		var managed int
		if err := rows.Scan(&p.Symbol, &p.Side, &p.Leverage, &p.EntryPrice,
			&p.OriginalQuantity, &p.RemainingQuantity, &p.Margin,
			&p.LiquidationPrice, &p.StopLossPrice, &ladder, &p.HighWaterMark,
			&openedAt, &p.Status, &managed, &p.OrderRef); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if err := json.Unmarshal([]byte(ladder), &p.Ladder); err != nil {
			log.Printf("[WARN] position %s: bad ladder json, skipping restore: %v", p.Symbol, err)
			continue
		}
		p.OpenedAt = time.Unix(openedAt, 0)
		p.Managed = managed != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearOpenPositions closes every non-closed row; used by the full reset.
func (s *SQLiteStore) ClearOpenPositions() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE positions SET status=?, closed_at=? WHERE status != ?`,
		model.StatusClosed, time.Now().Unix(), model.StatusClosed)
	return err
}

// RecordTrade appends one realized fill to trade_history.
func (s *SQLiteStore) RecordTrade(t *TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO trade_history
		(timestamp, order_ref, symbol, side, exit_reason, quantity,
		 entry_price, exit_price, realized_pnl, fees, opened_at, closed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		time.Now().Unix(), t.OrderRef, t.Symbol, t.Side, t.ExitReason,
		t.Quantity, t.EntryPrice, t.ExitPrice, t.RealizedPnL, t.Fees,
		t.OpenedAt.Unix(), t.ClosedAt.Unix(),
	)
	return err
}

// RecordDailySummary writes (or rewrites) the aggregate row for one day.
func (s *SQLiteStore) RecordDailySummary(d *DailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO daily_summary
		(date, realized_pnl, trade_count, wins, losses, max_drawdown, ending_equity, written_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(date) DO UPDATE SET
		 realized_pnl=excluded.realized_pnl,
		 trade_count=excluded.trade_count,
		 wins=excluded.wins,
		 losses=excluded.losses,
		 max_drawdown=excluded.max_drawdown,
		 ending_equity=excluded.ending_equity,
		 written_at=excluded.written_at`,
		d.Date, d.RealizedPnL, d.TradeCount, d.Wins, d.Losses,
		d.MaxDrawdown, d.EndingEquity, time.Now().Unix(),
	)
	return err
}

func (s *SQLiteStore) Close() error {
	log.Println("[INFO] closing sqlite store")
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
