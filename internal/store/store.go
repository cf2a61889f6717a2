// Package store persists competition outcomes to SQLite: one row per game,
// one per settled transaction, one per agent in the final standings. It
// plugs into the controller as an observer, so every write happens on the
// controller's dispatch goroutine.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agoramarket/agora/internal/controller"
	"github.com/agoramarket/agora/internal/game"
	"github.com/agoramarket/agora/internal/protocol"
	"github.com/agoramarket/agora/internal/telemetry"

	_ "modernc.org/sqlite"
)

// Store records one controller instance's history. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	gameID int64
	names  map[string]string
}

var _ controller.Observer = (*Store)(nil)

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	telemetry.Plainf("store: opened %s", path)
	return &Store{db: db, names: make(map[string]string)}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at  TEXT    NOT NULL,
	nb_agents   INTEGER NOT NULL,
	nb_goods    INTEGER NOT NULL,
	tx_fee      REAL    NOT NULL,
	phase       TEXT    NOT NULL DEFAULT 'GAME_SETUP',
	fee_pool    REAL
);

CREATE TABLE IF NOT EXISTS transactions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	game_id    INTEGER NOT NULL,
	tx_id      TEXT    NOT NULL,
	buyer      TEXT    NOT NULL,
	seller     TEXT    NOT NULL,
	amount     REAL    NOT NULL,
	quantities TEXT    NOT NULL,
	settled_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS standings (
	game_id   INTEGER NOT NULL,
	agent_pbk TEXT    NOT NULL,
	name      TEXT    NOT NULL,
	score     REAL    NOT NULL,
	PRIMARY KEY (game_id, agent_pbk)
);
`

func (s *Store) OnPhase(phase controller.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gameID == 0 {
		return
	}
	if _, err := s.db.Exec(`UPDATE games SET phase=? WHERE id=?`, phase.String(), s.gameID); err != nil {
		telemetry.Warnf("store: update phase: %v", err)
	}
}

func (s *Store) OnGameStart(cfg *game.Configuration, init *game.Initialization) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO games (started_at, nb_agents, nb_goods, tx_fee) VALUES (?,?,?,?)`,
		time.Now().UTC().Format(time.RFC3339Nano), cfg.NbAgents, cfg.NbGoods, cfg.TxFee,
	)
	if err != nil {
		telemetry.Warnf("store: insert game: %v", err)
		return
	}
	s.gameID, _ = res.LastInsertId()
	s.names = make(map[string]string, len(cfg.AgentPbkToName))
	for pbk, name := range cfg.AgentPbkToName {
		s.names[pbk] = name
	}
}

func (s *Store) OnSettle(tx protocol.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quantities, _ := json.Marshal(tx.Quantities)
	if _, err := s.db.Exec(
		`INSERT INTO transactions (game_id, tx_id, buyer, seller, amount, quantities, settled_at) VALUES (?,?,?,?,?,?,?)`,
		s.gameID, tx.TransactionID, tx.Buyer(), tx.Seller(), tx.Amount, string(quantities),
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		telemetry.Warnf("store: insert transaction %s: %v", tx.TransactionID, err)
	}
}

func (s *Store) OnEnd(scores map[string]float64, feePool float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gameID == 0 {
		return
	}

	if _, err := s.db.Exec(`UPDATE games SET fee_pool=? WHERE id=?`, feePool, s.gameID); err != nil {
		telemetry.Warnf("store: update fee pool: %v", err)
	}
	for pbk, score := range scores {
		if _, err := s.db.Exec(
			`INSERT OR REPLACE INTO standings (game_id, agent_pbk, name, score) VALUES (?,?,?,?)`,
			s.gameID, pbk, s.names[pbk], score,
		); err != nil {
			telemetry.Warnf("store: insert standing for %s: %v", pbk, err)
		}
	}
}

// Standing is one row of a game's final ranking.
type Standing struct {
	AgentPbk string
	Name     string
	Score    float64
}

// Standings returns the recorded ranking for a game, best score first.
func (s *Store) Standings(gameID int64) ([]Standing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT agent_pbk, name, score FROM standings WHERE game_id=? ORDER BY score DESC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Standing
	for rows.Next() {
		var st Standing
		if err := rows.Scan(&st.AgentPbk, &st.Name, &st.Score); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// TransactionCount reports how many transactions settled in a game.
func (s *Store) TransactionCount(gameID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE game_id=?`, gameID).Scan(&n)
	return n, err
}

// GameID returns the id of the game this store is currently recording.
func (s *Store) GameID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameID
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
