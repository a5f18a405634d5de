/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  Default persistence for the reward engine. The PostgreSQL store
  (store/postgres) implements the same interface with real row locks; this one
  emulates them in-process, which is enough for a single server.

KEY TABLES:
  reward_tiers:          Default ladder per period type
  period_reward_configs: Per-period override + status, UNIQUE(period_type, period_identifier)
  distribution_log:      Audit rows, UNIQUE(customer_id, period_identifier, distribution_type)
  credits:               Granted rewards, same uniqueness as the log
  quests, quest_periods: Quests and their period allow-lists
  available_periods:     Generated calendar rows, never rewritten
  leaderboard_ranks:     Rank table filled by the external ranking job

IDENTIFIERS:
  period_identifier is a plain zero-padded string. ORDER BY period_identifier is
  chronological; there is no numeric sort column.

CONCURRENCY:
  Uses sync.RWMutex for statement-level thread-safety plus store.RowLocks for
  per-period locking. WithPeriodLock fails fast when the period is busy.
  A distribution transaction is opened lazily on its first write and holds
  the write mutex until commit or rollback.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := rewards.NewEngine(store, nil)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go, generic/ledger.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - store/postgres: Multi-instance deployments
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/period-rewards/factory"
	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/generic/store"
)

// Store implements generic.Store using SQLite.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	rows store.RowLocks
	now  func() time.Time
}

var _ generic.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Default reward ladder
	CREATE TABLE IF NOT EXISTS reward_tiers (
		id TEXT PRIMARY KEY,
		period_type TEXT NOT NULL,
		name TEXT NOT NULL,
		rank_from INTEGER NOT NULL,
		rank_to INTEGER NOT NULL,
		coupon_template_id TEXT,
		badge_type_id TEXT,
		cashback TEXT NOT NULL DEFAULT '0',
		display_order INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (rank_from >= 1 AND rank_from <= rank_to)
	);

	CREATE INDEX IF NOT EXISTS idx_reward_tiers_type_order
		ON reward_tiers(period_type, display_order);

	-- Per-period override + status machine
	CREATE TABLE IF NOT EXISTS period_reward_configs (
		id TEXT PRIMARY KEY,
		period_type TEXT NOT NULL,
		period_identifier TEXT NOT NULL,
		custom_tiers TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'distributed', 'cancelled', 'failed')),
		distributed_at TEXT,
		distributed_by TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(period_type, period_identifier)
	);

	-- CRITICAL: one audit row per customer per period per distribution type
	CREATE TABLE IF NOT EXISTS distribution_log (
		id TEXT PRIMARY KEY,
		distribution_type TEXT NOT NULL,
		period_identifier TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		coupon_id TEXT,
		tier_id TEXT,
		rank INTEGER,
		xp_at_distribution INTEGER,
		distributed_at TEXT NOT NULL,
		distributed_by TEXT,
		notes TEXT,
		UNIQUE(customer_id, period_identifier, distribution_type)
	);

	CREATE INDEX IF NOT EXISTS idx_distribution_log_period
		ON distribution_log(distribution_type, period_identifier);

	-- CRITICAL: one credit per customer per period per distribution type
	CREATE TABLE IF NOT EXISTS credits (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		distribution_type TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_identifier TEXT NOT NULL,
		tier_id TEXT,
		tier_name TEXT,
		rank INTEGER NOT NULL,
		coupon_template_id TEXT,
		coupon_code TEXT,
		badge_type_id TEXT,
		cashback TEXT NOT NULL DEFAULT '0',
		issued_at TEXT NOT NULL,
		UNIQUE(customer_id, period_identifier, distribution_type)
	);

	CREATE INDEX IF NOT EXISTS idx_credits_period
		ON credits(distribution_type, period_identifier);

	-- Quests
	CREATE TABLE IF NOT EXISTS quests (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		period_type TEXT NOT NULL,
		xp_reward INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quest_periods (
		quest_id TEXT NOT NULL REFERENCES quests(id) ON DELETE CASCADE,
		period_identifier TEXT NOT NULL,
		PRIMARY KEY (quest_id, period_identifier)
	);

	-- Generated periods (immutable once inserted)
	CREATE TABLE IF NOT EXISTS available_periods (
		period_type TEXT NOT NULL,
		period_identifier TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (period_type, period_identifier)
	);

	-- Leaderboard view filled by the ranking job
	CREATE TABLE IF NOT EXISTS leaderboard_ranks (
		period_type TEXT NOT NULL,
		period_identifier TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		xp INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (period_type, period_identifier, customer_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Reset deletes every row. Demo scenarios only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{
		"quest_periods", "quests", "credits", "distribution_log", "period_reward_configs",
		"reward_tiers", "available_periods", "leaderboard_ranks",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// TIER STORE
// =============================================================================

const tierColumns = `id, period_type, name, rank_from, rank_to, coupon_template_id,
	badge_type_id, cashback, display_order, is_active`

func (s *Store) ListTiers(ctx context.Context, pt generic.PeriodType) ([]generic.RewardTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTiers(ctx, s.db, pt, false)
}

func listTiers(ctx context.Context, q querier, pt generic.PeriodType, activeOnly bool) ([]generic.RewardTier, error) {
	query := `SELECT ` + tierColumns + ` FROM reward_tiers WHERE period_type = ?`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY display_order, rank_from`

	rows, err := q.QueryContext(ctx, query, string(pt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []generic.RewardTier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

func (s *Store) GetTier(ctx context.Context, id generic.TierID) (*generic.RewardTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+tierColumns+` FROM reward_tiers WHERE id = ?`, string(id))
	t, err := scanTier(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTier validates the resulting active ladder and upserts inside one
// transaction.
func (s *Store) SaveTier(ctx context.Context, tier generic.RewardTier, check generic.LadderCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if check != nil {
		active, err := listTiers(ctx, tx, tier.PeriodType, true)
		if err != nil {
			return err
		}
		ladder := make([]generic.RewardTier, 0, len(active)+1)
		for _, t := range active {
			if t.ID != tier.ID {
				ladder = append(ladder, t)
			}
		}
		if tier.IsActive {
			ladder = append(ladder, tier)
		}
		if err := check(ladder); err != nil {
			return err
		}
	}

	now := s.now().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reward_tiers (`+tierColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			period_type = excluded.period_type,
			name = excluded.name,
			rank_from = excluded.rank_from,
			rank_to = excluded.rank_to,
			coupon_template_id = excluded.coupon_template_id,
			badge_type_id = excluded.badge_type_id,
			cashback = excluded.cashback,
			display_order = excluded.display_order,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`,
		string(tier.ID), string(tier.PeriodType), tier.Name, tier.Range.From, tier.Range.To,
		nullStringPtr(tier.Reward.CouponTemplateID), nullStringPtr(tier.Reward.BadgeTypeID),
		tier.Reward.Cashback.String(), tier.DisplayOrder, tier.IsActive, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save tier: %w", err)
	}
	return tx.Commit()
}

func (s *Store) DeleteTier(ctx context.Context, id generic.TierID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM reward_tiers WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete tier: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Kind: "tier", ID: string(id)}
	}
	return nil
}

func scanTier(row scanner) (generic.RewardTier, error) {
	var (
		t                     generic.RewardTier
		id, pt, cashback      string
		couponTemplate, badge sql.NullString
	)
	if err := row.Scan(&id, &pt, &t.Name, &t.Range.From, &t.Range.To, &couponTemplate, &badge,
		&cashback, &t.DisplayOrder, &t.IsActive); err != nil {
		return generic.RewardTier{}, err
	}
	t.ID = generic.TierID(id)
	t.PeriodType = generic.PeriodType(pt)
	t.Reward.CouponTemplateID = ptrFromNull(couponTemplate)
	t.Reward.BadgeTypeID = ptrFromNull(badge)
	t.Reward.Cashback = parseDecimal(cashback)
	return t, nil
}

// =============================================================================
// PERIOD CONFIG STORE
// =============================================================================

const configColumns = `id, period_type, period_identifier, custom_tiers, status,
	distributed_at, distributed_by, notes, created_at, updated_at`

func (s *Store) GetPeriodConfig(ctx context.Context, key generic.PeriodKey) (*generic.PeriodRewardConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getConfig(ctx, s.db, key)
}

func getConfig(ctx context.Context, q querier, key generic.PeriodKey) (*generic.PeriodRewardConfig, error) {
	row := q.QueryRowContext(ctx, `SELECT `+configColumns+` FROM period_reward_configs
		WHERE period_type = ? AND period_identifier = ?`, string(key.Type), key.Identifier)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) ListPeriodConfigs(ctx context.Context, pt generic.PeriodType) ([]generic.PeriodRewardConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+configColumns+` FROM period_reward_configs
		WHERE period_type = ? ORDER BY period_identifier`, string(pt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []generic.PeriodRewardConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpdatePeriodConfig waits for the period's row lock, then reads, modifies and
// writes the row in one transaction.
func (s *Store) UpdatePeriodConfig(ctx context.Context, key generic.PeriodKey, fn func(*generic.PeriodRewardConfig) error) (generic.PeriodRewardConfig, error) {
	s.rows.Lock(key)
	defer s.rows.Unlock(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.PeriodRewardConfig{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getConfig(ctx, tx, key)
	if err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	cfg := generic.DefaultPeriodConfig(key)
	if current != nil {
		cfg = *current
	}
	if err := fn(&cfg); err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	if err := s.putConfig(ctx, tx, key, &cfg); err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	return cfg, nil
}

func (s *Store) putConfig(ctx context.Context, q querier, key generic.PeriodKey, cfg *generic.PeriodRewardConfig) error {
	now := s.now()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
		cfg.CreatedAt = now
	}
	cfg.Period = key
	cfg.UpdatedAt = now

	customTiers, err := factory.MarshalLadder(cfg.Ladder)
	if err != nil {
		return err
	}
	var distributedAt sql.NullString
	if cfg.DistributedAt != nil {
		distributedAt = sql.NullString{String: cfg.DistributedAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO period_reward_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(period_type, period_identifier) DO UPDATE SET
			custom_tiers = excluded.custom_tiers,
			status = excluded.status,
			distributed_at = excluded.distributed_at,
			distributed_by = excluded.distributed_by,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`,
		cfg.ID, string(key.Type), key.Identifier, nullStringPtr(customTiers), string(cfg.Status),
		distributedAt, nullString(cfg.DistributedBy), nullString(cfg.Notes),
		cfg.CreatedAt.Format(time.RFC3339), cfg.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save period config: %w", err)
	}
	return nil
}

func scanConfig(row scanner) (generic.PeriodRewardConfig, error) {
	var (
		cfg                                 generic.PeriodRewardConfig
		pt, status, createdAt, updatedAt    string
		customTiers, distributedAt, by, nts sql.NullString
	)
	if err := row.Scan(&cfg.ID, &pt, &cfg.Period.Identifier, &customTiers, &status,
		&distributedAt, &by, &nts, &createdAt, &updatedAt); err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	cfg.Period.Type = generic.PeriodType(pt)
	cfg.Status = generic.DistributionStatus(status)
	cfg.DistributedBy = by.String
	cfg.Notes = nts.String
	cfg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if distributedAt.Valid {
		t, _ := time.Parse(time.RFC3339, distributedAt.String)
		cfg.DistributedAt = &t
	}

	ladder, err := factory.ParseLadder(cfg.Period.Type, ptrFromNull(customTiers))
	if err != nil {
		return generic.PeriodRewardConfig{}, fmt.Errorf("period %s: corrupt custom_tiers: %w", cfg.Period, err)
	}
	cfg.Ladder = ladder
	return cfg, nil
}

// =============================================================================
// QUEST STORE
// =============================================================================

func (s *Store) SaveQuest(ctx context.Context, q generic.Quest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quests (id, title, description, period_type, xp_reward, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			period_type = excluded.period_type,
			xp_reward = excluded.xp_reward
	`, string(q.ID), q.Title, nullString(q.Description), string(q.PeriodType), q.XPReward,
		q.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save quest: %w", err)
	}
	return nil
}

func (s *Store) GetQuest(ctx context.Context, id generic.QuestID) (*generic.Quest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quests, err := s.queryQuests(ctx, `WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(quests) == 0 {
		return nil, nil
	}
	return &quests[0], nil
}

func (s *Store) ListQuests(ctx context.Context, pt generic.PeriodType) ([]generic.Quest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pt == "" {
		return s.queryQuests(ctx, ``)
	}
	return s.queryQuests(ctx, `WHERE period_type = ?`, string(pt))
}

func (s *Store) queryQuests(ctx context.Context, where string, args ...any) ([]generic.Quest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, description, period_type, xp_reward, created_at
		FROM quests `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}

	var (
		quests []generic.Quest
		index  = make(map[generic.QuestID]int)
	)
	for rows.Next() {
		var (
			q                 generic.Quest
			id, pt, createdAt string
			description       sql.NullString
		)
		if err := rows.Scan(&id, &q.Title, &description, &pt, &q.XPReward, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		q.ID = generic.QuestID(id)
		q.Description = description.String
		q.PeriodType = generic.PeriodType(pt)
		q.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		index[q.ID] = len(quests)
		quests = append(quests, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(quests) == 0 {
		return nil, nil
	}

	periodRows, err := s.db.QueryContext(ctx, `SELECT quest_id, period_identifier FROM quest_periods ORDER BY period_identifier`)
	if err != nil {
		return nil, err
	}
	defer periodRows.Close()
	for periodRows.Next() {
		var questID, periodID string
		if err := periodRows.Scan(&questID, &periodID); err != nil {
			return nil, err
		}
		if i, ok := index[generic.QuestID(questID)]; ok {
			quests[i].Periods = append(quests[i].Periods, periodID)
		}
	}
	return quests, periodRows.Err()
}

// SetQuestPeriods replaces the allow-list: delete all, insert the given set.
func (s *Store) SetQuestPeriods(ctx context.Context, id generic.QuestID, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM quests WHERE id = ?`, string(id)).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return &generic.NotFoundError{Kind: "quest", ID: string(id)}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM quest_periods WHERE quest_id = ?`, string(id)); err != nil {
		return fmt.Errorf("failed to clear quest periods: %w", err)
	}
	for _, periodID := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO quest_periods (quest_id, period_identifier) VALUES (?, ?)`,
			string(id), periodID); err != nil {
			return fmt.Errorf("failed to insert quest period: %w", err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// AVAILABLE PERIODS
// =============================================================================

const dateLayout = "2006-01-02"

func (s *Store) SaveAvailablePeriods(ctx context.Context, periods []generic.AvailablePeriod) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Format(time.RFC3339)
	inserted := 0
	for _, p := range periods {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO available_periods (period_type, period_identifier, start_date, end_date, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(period_type, period_identifier) DO NOTHING
		`, string(p.Type), p.Identifier, p.Start.Format(dateLayout), p.End.Format(dateLayout), now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert period %s: %w", p.Identifier, err)
		}
		n, _ := result.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) AvailablePeriods(ctx context.Context, pt generic.PeriodType) ([]generic.AvailablePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT period_identifier, start_date, end_date
		FROM available_periods WHERE period_type = ? ORDER BY period_identifier`, string(pt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []generic.AvailablePeriod
	for rows.Next() {
		p := generic.AvailablePeriod{Type: pt}
		var start, end string
		if err := rows.Scan(&p.Identifier, &start, &end); err != nil {
			return nil, err
		}
		p.Start, _ = time.Parse(dateLayout, start)
		p.End, _ = time.Parse(dateLayout, end)
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// =============================================================================
// LEADERBOARD RANKS (generic.RankingStore)
// =============================================================================

// SaveRanks replaces the leaderboard snapshot of one period.
func (s *Store) SaveRanks(ctx context.Context, key generic.PeriodKey, ranks []generic.RankedRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM leaderboard_ranks WHERE period_type = ? AND period_identifier = ?`,
		string(key.Type), key.Identifier); err != nil {
		return err
	}
	for _, r := range ranks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leaderboard_ranks (period_type, period_identifier, customer_id, rank, xp)
			VALUES (?, ?, ?, ?, ?)
		`, string(key.Type), key.Identifier, string(r.CustomerID), r.Rank, r.XP); err != nil {
			return fmt.Errorf("failed to insert rank of %s: %w", r.CustomerID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) RankedRecipients(ctx context.Context, key generic.PeriodKey) ([]generic.RankedRecipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT customer_id, rank, xp FROM leaderboard_ranks
		WHERE period_type = ? AND period_identifier = ? ORDER BY rank, customer_id`,
		string(key.Type), key.Identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ranks []generic.RankedRecipient
	for rows.Next() {
		var r generic.RankedRecipient
		var customer string
		if err := rows.Scan(&customer, &r.Rank, &r.XP); err != nil {
			return nil, err
		}
		r.CustomerID = generic.CustomerID(customer)
		ranks = append(ranks, r)
	}
	return ranks, rows.Err()
}

// =============================================================================
// DISTRIBUTION STORE (generic.DistributionStore)
// =============================================================================

// WithPeriodLock takes the period's row lock without waiting and runs fn.
// The SQL transaction starts at fn's first write.
func (s *Store) WithPeriodLock(ctx context.Context, key generic.PeriodKey, fn func(generic.PeriodRewardConfig, generic.DistributionTx) error) error {
	if !s.rows.TryLock(key) {
		return fmt.Errorf("period %s: %w", key, generic.ErrDistributionInProgress)
	}
	defer s.rows.Unlock(key)

	current, err := s.GetPeriodConfig(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to lock period config: %w", err)
	}
	cfg := generic.DefaultPeriodConfig(key)
	if current != nil {
		cfg = *current
	}

	tx := &distributionTx{parent: s}
	defer tx.rollback()

	if err := fn(cfg, tx); err != nil {
		return err
	}
	return tx.commit()
}

type distributionTx struct {
	parent *Store
	tx     *sql.Tx
}

func (d *distributionTx) begin(ctx context.Context) (*sql.Tx, error) {
	if d.tx != nil {
		return d.tx, nil
	}
	d.parent.mu.Lock()
	tx, err := d.parent.db.BeginTx(ctx, nil)
	if err != nil {
		d.parent.mu.Unlock()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	d.tx = tx
	return tx, nil
}

func (d *distributionTx) commit() error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Commit()
	d.tx = nil
	d.parent.mu.Unlock()
	return err
}

func (d *distributionTx) rollback() {
	if d.tx == nil {
		return
	}
	d.tx.Rollback()
	d.tx = nil
	d.parent.mu.Unlock()
}

func (d *distributionTx) UpsertCredit(ctx context.Context, c generic.Credit) error {
	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credits (id, customer_id, distribution_type, period_type, period_identifier,
			tier_id, tier_name, rank, coupon_template_id, coupon_code, badge_type_id, cashback, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id, period_identifier, distribution_type) DO UPDATE SET
			tier_id = excluded.tier_id,
			tier_name = excluded.tier_name,
			rank = excluded.rank,
			coupon_template_id = excluded.coupon_template_id,
			coupon_code = excluded.coupon_code,
			badge_type_id = excluded.badge_type_id,
			cashback = excluded.cashback,
			issued_at = excluded.issued_at
	`,
		c.ID, string(c.CustomerID), c.DistributionType, string(c.PeriodType), c.PeriodIdentifier,
		nullTierID(c.TierID), nullString(c.TierName), c.Rank, nullStringPtr(c.CouponTemplateID),
		nullStringPtr(c.CouponCode), nullStringPtr(c.BadgeTypeID), c.Cashback.String(),
		c.IssuedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credit: %w", err)
	}
	return nil
}

func (d *distributionTx) UpsertLogEntry(ctx context.Context, e generic.DistributionLogEntry) error {
	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO distribution_log (id, distribution_type, period_identifier, customer_id, coupon_id,
			tier_id, rank, xp_at_distribution, distributed_at, distributed_by, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id, period_identifier, distribution_type) DO UPDATE SET
			coupon_id = excluded.coupon_id,
			tier_id = excluded.tier_id,
			rank = excluded.rank,
			xp_at_distribution = excluded.xp_at_distribution,
			distributed_at = excluded.distributed_at,
			distributed_by = excluded.distributed_by,
			notes = excluded.notes
	`,
		e.ID, e.DistributionType, e.PeriodIdentifier, string(e.CustomerID), nullStringPtr(e.CouponID),
		nullTierID(e.TierID), nullIntPtr(e.Rank), nullInt64Ptr(e.XPAtDistribution),
		e.DistributedAt.UTC().Format(time.RFC3339), nullString(e.DistributedBy), nullString(e.Notes),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert distribution log: %w", err)
	}
	return nil
}

func (d *distributionTx) Prune(ctx context.Context, distributionType, periodID string, keep []generic.CustomerID) (int, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT customer_id FROM credits WHERE distribution_type = ? AND period_identifier = ?
		UNION
		SELECT customer_id FROM distribution_log WHERE distribution_type = ? AND period_identifier = ?
	`, distributionType, periodID, distributionType, periodID)
	if err != nil {
		return 0, err
	}
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[string(id)] = true
	}
	var stale []string
	for rows.Next() {
		var customer string
		if err := rows.Scan(&customer); err != nil {
			rows.Close()
			return 0, err
		}
		if !kept[customer] {
			stale = append(stale, customer)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, customer := range stale {
		for _, table := range []string{"credits", "distribution_log"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+`
				WHERE customer_id = ? AND period_identifier = ? AND distribution_type = ?`,
				customer, periodID, distributionType); err != nil {
				return 0, fmt.Errorf("failed to prune %s: %w", table, err)
			}
		}
	}
	return len(stale), nil
}

func (d *distributionTx) SavePeriodConfig(ctx context.Context, cfg generic.PeriodRewardConfig) error {
	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}
	return d.parent.putConfig(ctx, tx, cfg.Period, &cfg)
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Store) DistributionLog(ctx context.Context, filter generic.LogFilter) ([]generic.DistributionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filterClause(filter.DistributionType, filter.PeriodIdentifier, filter.CustomerID)
	query := `SELECT id, distribution_type, period_identifier, customer_id, coupon_id, tier_id, rank,
		xp_at_distribution, distributed_at, distributed_by, notes
		FROM distribution_log` + where + ` ORDER BY distributed_at DESC, rank`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []generic.DistributionLogEntry
	for rows.Next() {
		var (
			e                         generic.DistributionLogEntry
			customer, distributedAt   string
			couponID, tierID, by, nts sql.NullString
			rank, xp                  sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.DistributionType, &e.PeriodIdentifier, &customer, &couponID, &tierID,
			&rank, &xp, &distributedAt, &by, &nts); err != nil {
			return nil, err
		}
		e.CustomerID = generic.CustomerID(customer)
		e.CouponID = ptrFromNull(couponID)
		e.TierID = tierFromNull(tierID)
		if rank.Valid {
			r := int(rank.Int64)
			e.Rank = &r
		}
		if xp.Valid {
			x := xp.Int64
			e.XPAtDistribution = &x
		}
		e.DistributedAt, _ = time.Parse(time.RFC3339, distributedAt)
		e.DistributedBy = by.String
		e.Notes = nts.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Credits(ctx context.Context, filter generic.CreditFilter) ([]generic.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filterClause(filter.DistributionType, filter.PeriodIdentifier, filter.CustomerID)
	rows, err := s.db.QueryContext(ctx, `SELECT id, customer_id, distribution_type, period_type, period_identifier,
		tier_id, tier_name, rank, coupon_template_id, coupon_code, badge_type_id, cashback, issued_at
		FROM credits`+where+` ORDER BY period_identifier DESC, rank`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var credits []generic.Credit
	for rows.Next() {
		var (
			c                                  generic.Credit
			customer, pt, cashback, issuedAt   string
			tierID, tierName, tpl, code, badge sql.NullString
		)
		if err := rows.Scan(&c.ID, &customer, &c.DistributionType, &pt, &c.PeriodIdentifier,
			&tierID, &tierName, &c.Rank, &tpl, &code, &badge, &cashback, &issuedAt); err != nil {
			return nil, err
		}
		c.CustomerID = generic.CustomerID(customer)
		c.PeriodType = generic.PeriodType(pt)
		c.TierID = tierFromNull(tierID)
		c.TierName = tierName.String
		c.CouponTemplateID = ptrFromNull(tpl)
		c.CouponCode = ptrFromNull(code)
		c.BadgeTypeID = ptrFromNull(badge)
		c.Cashback = parseDecimal(cashback)
		c.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt)
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

func filterClause(distributionType, periodID string, customer generic.CustomerID) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if distributionType != "" {
		conds = append(conds, "distribution_type = ?")
		args = append(args, distributionType)
	}
	if periodID != "" {
		conds = append(conds, "period_identifier = ?")
		args = append(args, periodID)
	}
	if customer != "" {
		conds = append(conds, "customer_id = ?")
		args = append(args, string(customer))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTierID(id *generic.TierID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func tierFromNull(ns sql.NullString) *generic.TierID {
	if !ns.Valid {
		return nil
	}
	id := generic.TierID(ns.String)
	return &id
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
