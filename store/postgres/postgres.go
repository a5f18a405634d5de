/*
Package postgres provides a PostgreSQL-backed implementation of generic.Store.

PURPOSE:
  Multi-instance persistence. Where the SQLite store emulates per-period locks
  in-process, this one relies on the database so that several servers can
  share the same tables.

LOCKING:
  Every period maps to a transaction-scoped advisory lock keyed on
  "<period_type>/<identifier>". An advisory lock works before the config row
  exists, which a row lock cannot.
  - WithPeriodLock:       pg_try_advisory_xact_lock, false -> ErrDistributionInProgress
  - UpdatePeriodConfig:   pg_advisory_xact_lock, waits for the distribution
  - SaveTier:             pg_advisory_xact_lock on "tiers/<period_type>"
  The config row is then read with FOR UPDATE NOWAIT; lock_not_available
  (55P03) also maps to ErrDistributionInProgress.

TYPES:
  cashback is NUMERIC and travels as text, custom_tiers is JSONB, dates are
  DATE, everything else with a time is TIMESTAMPTZ.

USAGE:
  store, err := postgres.New(ctx, "postgres://rewards@localhost/rewards")
  if err != nil {
      return err
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite: Single-node default
  - generic/ledger.go: DistributionStore contract
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/period-rewards/factory"
	"github.com/warp/period-rewards/generic"
)

// SQLSTATE codes the store reacts to.
const (
	codeLockNotAvailable = "55P03"
	codeUniqueViolation  = "23505"
)

// Store implements generic.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ generic.Store = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	s := NewWithPool(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewWithPool wraps an existing pool. The caller runs Migrate.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS reward_tiers (
	id TEXT PRIMARY KEY,
	period_type TEXT NOT NULL,
	name TEXT NOT NULL,
	rank_from INTEGER NOT NULL,
	rank_to INTEGER NOT NULL,
	coupon_template_id TEXT,
	badge_type_id TEXT,
	cashback NUMERIC NOT NULL DEFAULT 0,
	display_order INTEGER NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (rank_from >= 1 AND rank_from <= rank_to)
);

CREATE INDEX IF NOT EXISTS idx_reward_tiers_type_order ON reward_tiers(period_type, display_order);

CREATE TABLE IF NOT EXISTS period_reward_configs (
	id TEXT PRIMARY KEY,
	period_type TEXT NOT NULL,
	period_identifier TEXT NOT NULL,
	custom_tiers JSONB,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'distributed', 'cancelled', 'failed')),
	distributed_at TIMESTAMPTZ,
	distributed_by TEXT,
	notes TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (period_type, period_identifier)
);

CREATE TABLE IF NOT EXISTS distribution_log (
	id TEXT PRIMARY KEY,
	distribution_type TEXT NOT NULL,
	period_identifier TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	coupon_id TEXT,
	tier_id TEXT,
	rank INTEGER,
	xp_at_distribution BIGINT,
	distributed_at TIMESTAMPTZ NOT NULL,
	distributed_by TEXT,
	notes TEXT,
	UNIQUE (customer_id, period_identifier, distribution_type)
);

CREATE INDEX IF NOT EXISTS idx_distribution_log_period ON distribution_log(distribution_type, period_identifier);

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
	cashback NUMERIC NOT NULL DEFAULT 0,
	issued_at TIMESTAMPTZ NOT NULL,
	UNIQUE (customer_id, period_identifier, distribution_type)
);

CREATE INDEX IF NOT EXISTS idx_credits_period ON credits(distribution_type, period_identifier);

CREATE TABLE IF NOT EXISTS quests (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	period_type TEXT NOT NULL,
	xp_reward BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quest_periods (
	quest_id TEXT NOT NULL REFERENCES quests(id) ON DELETE CASCADE,
	period_identifier TEXT NOT NULL,
	PRIMARY KEY (quest_id, period_identifier)
);

CREATE TABLE IF NOT EXISTS available_periods (
	period_type TEXT NOT NULL,
	period_identifier TEXT NOT NULL,
	start_date DATE NOT NULL,
	end_date DATE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (period_type, period_identifier)
);

CREATE TABLE IF NOT EXISTS leaderboard_ranks (
	period_type TEXT NOT NULL,
	period_identifier TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	rank INTEGER NOT NULL,
	xp BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (period_type, period_identifier, customer_id)
);
`

// Migrate creates missing tables. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Reset truncates every table. Demo scenarios only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE quest_periods, quests, credits, distribution_log,
		period_reward_configs, reward_tiers, available_periods, leaderboard_ranks`)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockName(key generic.PeriodKey) string { return key.String() }

// =============================================================================
// TIER STORE
// =============================================================================

const tierColumns = `id, period_type, name, rank_from, rank_to, coupon_template_id,
	badge_type_id, cashback::text, display_order, is_active`

func (s *Store) ListTiers(ctx context.Context, pt generic.PeriodType) ([]generic.RewardTier, error) {
	return listTiers(ctx, s.pool, pt, false)
}

func listTiers(ctx context.Context, q querier, pt generic.PeriodType, activeOnly bool) ([]generic.RewardTier, error) {
	query := `SELECT ` + tierColumns + ` FROM reward_tiers WHERE period_type = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY display_order, rank_from`

	rows, err := q.Query(ctx, query, string(pt))
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
	t, err := scanTier(s.pool.QueryRow(ctx, `SELECT `+tierColumns+` FROM reward_tiers WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTier serializes writers of one period type on an advisory lock so the
// ladder check sees every committed tier.
func (s *Store) SaveTier(ctx context.Context, tier generic.RewardTier, check generic.LadderCheck) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			"tiers/"+string(tier.PeriodType)); err != nil {
			return fmt.Errorf("failed to lock ladder: %w", err)
		}

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

		now := s.now()
		_, err := tx.Exec(ctx, `
			INSERT INTO reward_tiers (id, period_type, name, rank_from, rank_to, coupon_template_id,
				badge_type_id, cashback, display_order, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $11)
			ON CONFLICT (id) DO UPDATE SET
				period_type = EXCLUDED.period_type,
				name = EXCLUDED.name,
				rank_from = EXCLUDED.rank_from,
				rank_to = EXCLUDED.rank_to,
				coupon_template_id = EXCLUDED.coupon_template_id,
				badge_type_id = EXCLUDED.badge_type_id,
				cashback = EXCLUDED.cashback,
				display_order = EXCLUDED.display_order,
				is_active = EXCLUDED.is_active,
				updated_at = EXCLUDED.updated_at
		`,
			string(tier.ID), string(tier.PeriodType), tier.Name, tier.Range.From, tier.Range.To,
			tier.Reward.CouponTemplateID, tier.Reward.BadgeTypeID, tier.Reward.Cashback.String(),
			tier.DisplayOrder, tier.IsActive, now,
		)
		if err != nil {
			return fmt.Errorf("failed to save tier: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteTier(ctx context.Context, id generic.TierID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reward_tiers WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Kind: "tier", ID: string(id)}
	}
	return nil
}

func scanTier(row pgx.Row) (generic.RewardTier, error) {
	var (
		t                generic.RewardTier
		id, pt, cashback string
	)
	if err := row.Scan(&id, &pt, &t.Name, &t.Range.From, &t.Range.To, &t.Reward.CouponTemplateID,
		&t.Reward.BadgeTypeID, &cashback, &t.DisplayOrder, &t.IsActive); err != nil {
		return generic.RewardTier{}, err
	}
	t.ID = generic.TierID(id)
	t.PeriodType = generic.PeriodType(pt)
	t.Reward.Cashback = parseDecimal(cashback)
	return t, nil
}

// =============================================================================
// PERIOD CONFIG STORE
// =============================================================================

const configColumns = `id, period_type, period_identifier, custom_tiers::text, status,
	distributed_at, distributed_by, notes, created_at, updated_at`

func (s *Store) GetPeriodConfig(ctx context.Context, key generic.PeriodKey) (*generic.PeriodRewardConfig, error) {
	return getConfig(ctx, s.pool, key, "")
}

// getConfig reads one row; suffix is appended verbatim (row locking clauses).
func getConfig(ctx context.Context, q querier, key generic.PeriodKey, suffix string) (*generic.PeriodRewardConfig, error) {
	row := q.QueryRow(ctx, `SELECT `+configColumns+` FROM period_reward_configs
		WHERE period_type = $1 AND period_identifier = $2`+suffix, string(key.Type), key.Identifier)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) ListPeriodConfigs(ctx context.Context, pt generic.PeriodType) ([]generic.PeriodRewardConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+configColumns+` FROM period_reward_configs
		WHERE period_type = $1 ORDER BY period_identifier`, string(pt))
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

// UpdatePeriodConfig waits for the period lock, then reads, modifies and
// writes the row in one transaction.
func (s *Store) UpdatePeriodConfig(ctx context.Context, key generic.PeriodKey, fn func(*generic.PeriodRewardConfig) error) (generic.PeriodRewardConfig, error) {
	var cfg generic.PeriodRewardConfig
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockName(key)); err != nil {
			return fmt.Errorf("failed to lock period %s: %w", key, err)
		}
		current, err := getConfig(ctx, tx, key, ` FOR UPDATE`)
		if err != nil {
			return err
		}
		cfg = generic.DefaultPeriodConfig(key)
		if current != nil {
			cfg = *current
		}
		if err := fn(&cfg); err != nil {
			return err
		}
		return s.putConfig(ctx, tx, key, &cfg)
	})
	if err != nil {
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

	_, err = q.Exec(ctx, `
		INSERT INTO period_reward_configs (id, period_type, period_identifier, custom_tiers, status,
			distributed_at, distributed_by, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (period_type, period_identifier) DO UPDATE SET
			custom_tiers = EXCLUDED.custom_tiers,
			status = EXCLUDED.status,
			distributed_at = EXCLUDED.distributed_at,
			distributed_by = EXCLUDED.distributed_by,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
	`,
		cfg.ID, string(key.Type), key.Identifier, customTiers, string(cfg.Status),
		cfg.DistributedAt, nullable(cfg.DistributedBy), nullable(cfg.Notes), cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save period config: %w", err)
	}
	return nil
}

func scanConfig(row pgx.Row) (generic.PeriodRewardConfig, error) {
	var (
		cfg           generic.PeriodRewardConfig
		pt, status    string
		customTiers   *string
		by, notes     *string
		distributedAt *time.Time
	)
	if err := row.Scan(&cfg.ID, &pt, &cfg.Period.Identifier, &customTiers, &status,
		&distributedAt, &by, &notes, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	cfg.Period.Type = generic.PeriodType(pt)
	cfg.Status = generic.DistributionStatus(status)
	cfg.DistributedAt = distributedAt
	cfg.DistributedBy = deref(by)
	cfg.Notes = deref(notes)

	ladder, err := factory.ParseLadder(cfg.Period.Type, customTiers)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quests (id, title, description, period_type, xp_reward, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			period_type = EXCLUDED.period_type,
			xp_reward = EXCLUDED.xp_reward
	`, string(q.ID), q.Title, nullable(q.Description), string(q.PeriodType), q.XPReward, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save quest: %w", err)
	}
	return nil
}

func (s *Store) GetQuest(ctx context.Context, id generic.QuestID) (*generic.Quest, error) {
	quests, err := s.queryQuests(ctx, `WHERE q.id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if len(quests) == 0 {
		return nil, nil
	}
	return &quests[0], nil
}

func (s *Store) ListQuests(ctx context.Context, pt generic.PeriodType) ([]generic.Quest, error) {
	if pt == "" {
		return s.queryQuests(ctx, ``)
	}
	return s.queryQuests(ctx, `WHERE q.period_type = $1`, string(pt))
}

// queryQuests loads quests with their allow-lists aggregated in one round trip.
func (s *Store) queryQuests(ctx context.Context, where string, args ...any) ([]generic.Quest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.id, q.title, q.description, q.period_type, q.xp_reward, q.created_at,
			COALESCE(array_agg(p.period_identifier ORDER BY p.period_identifier)
				FILTER (WHERE p.period_identifier IS NOT NULL), '{}')
		FROM quests q
		LEFT JOIN quest_periods p ON p.quest_id = q.id
		`+where+`
		GROUP BY q.id
		ORDER BY q.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quests []generic.Quest
	for rows.Next() {
		var (
			q           generic.Quest
			id, pt      string
			description *string
			periods     []string
		)
		if err := rows.Scan(&id, &q.Title, &description, &pt, &q.XPReward, &q.CreatedAt, &periods); err != nil {
			return nil, err
		}
		q.ID = generic.QuestID(id)
		q.Description = deref(description)
		q.PeriodType = generic.PeriodType(pt)
		if len(periods) > 0 {
			q.Periods = periods
		}
		quests = append(quests, q)
	}
	return quests, rows.Err()
}

// SetQuestPeriods replaces the allow-list: delete all, insert the given set.
func (s *Store) SetQuestPeriods(ctx context.Context, id generic.QuestID, ids []string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quests WHERE id = $1)`,
			string(id)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return &generic.NotFoundError{Kind: "quest", ID: string(id)}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM quest_periods WHERE quest_id = $1`, string(id)); err != nil {
			return fmt.Errorf("failed to clear quest periods: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO quest_periods (quest_id, period_identifier)
			SELECT $1::text, unnest($2::text[])
			ON CONFLICT DO NOTHING
		`, string(id), ids)
		if err != nil {
			return fmt.Errorf("failed to insert quest periods: %w", err)
		}
		return nil
	})
}

// =============================================================================
// AVAILABLE PERIODS
// =============================================================================

func (s *Store) SaveAvailablePeriods(ctx context.Context, periods []generic.AvailablePeriod) (int, error) {
	inserted := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.now()
		batch := &pgx.Batch{}
		for _, p := range periods {
			batch.Queue(`
				INSERT INTO available_periods (period_type, period_identifier, start_date, end_date, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (period_type, period_identifier) DO NOTHING
			`, string(p.Type), p.Identifier, p.Start, p.End, now)
		}
		results := tx.SendBatch(ctx, batch)
		for _, p := range periods {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return fmt.Errorf("failed to insert period %s: %w", p.Identifier, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) AvailablePeriods(ctx context.Context, pt generic.PeriodType) ([]generic.AvailablePeriod, error) {
	rows, err := s.pool.Query(ctx, `SELECT period_identifier, start_date, end_date
		FROM available_periods WHERE period_type = $1 ORDER BY period_identifier`, string(pt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []generic.AvailablePeriod
	for rows.Next() {
		p := generic.AvailablePeriod{Type: pt}
		if err := rows.Scan(&p.Identifier, &p.Start, &p.End); err != nil {
			return nil, err
		}
		p.Start = generic.DateOf(p.Start)
		p.End = generic.DateOf(p.End)
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// =============================================================================
// LEADERBOARD RANKS
// =============================================================================

// SaveRanks replaces the leaderboard snapshot of one period using COPY.
func (s *Store) SaveRanks(ctx context.Context, key generic.PeriodKey, ranks []generic.RankedRecipient) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM leaderboard_ranks WHERE period_type = $1 AND period_identifier = $2`,
			string(key.Type), key.Identifier); err != nil {
			return err
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"leaderboard_ranks"},
			[]string{"period_type", "period_identifier", "customer_id", "rank", "xp"},
			pgx.CopyFromSlice(len(ranks), func(i int) ([]any, error) {
				r := ranks[i]
				return []any{string(key.Type), key.Identifier, string(r.CustomerID), r.Rank, r.XP}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to copy ranks: %w", err)
		}
		return nil
	})
}

func (s *Store) RankedRecipients(ctx context.Context, key generic.PeriodKey) ([]generic.RankedRecipient, error) {
	rows, err := s.pool.Query(ctx, `SELECT customer_id, rank, xp FROM leaderboard_ranks
		WHERE period_type = $1 AND period_identifier = $2 ORDER BY rank, customer_id`,
		string(key.Type), key.Identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ranks []generic.RankedRecipient
	for rows.Next() {
		var (
			r        generic.RankedRecipient
			customer string
		)
		if err := rows.Scan(&customer, &r.Rank, &r.XP); err != nil {
			return nil, err
		}
		r.CustomerID = generic.CustomerID(customer)
		ranks = append(ranks, r)
	}
	return ranks, rows.Err()
}

// =============================================================================
// DISTRIBUTION STORE
// =============================================================================

// WithPeriodLock runs fn inside one transaction that holds the period's
// advisory lock. A busy period fails immediately.
func (s *Store) WithPeriodLock(ctx context.Context, key generic.PeriodKey, fn func(generic.PeriodRewardConfig, generic.DistributionTx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var acquired bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`,
			lockName(key)).Scan(&acquired); err != nil {
			return fmt.Errorf("failed to lock period %s: %w", key, err)
		}
		if !acquired {
			return fmt.Errorf("period %s: %w", key, generic.ErrDistributionInProgress)
		}

		current, err := getConfig(ctx, tx, key, ` FOR UPDATE NOWAIT`)
		if err != nil {
			return mapLockError(key, err)
		}
		cfg := generic.DefaultPeriodConfig(key)
		if current != nil {
			cfg = *current
		}
		return fn(cfg, &distributionTx{parent: s, tx: tx})
	})
}

func mapLockError(key generic.PeriodKey, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeLockNotAvailable {
		return fmt.Errorf("period %s: %w", key, generic.ErrDistributionInProgress)
	}
	return fmt.Errorf("failed to lock period config: %w", err)
}

type distributionTx struct {
	parent *Store
	tx     pgx.Tx
}

func (d *distributionTx) UpsertCredit(ctx context.Context, c generic.Credit) error {
	_, err := d.tx.Exec(ctx, `
		INSERT INTO credits (id, customer_id, distribution_type, period_type, period_identifier,
			tier_id, tier_name, rank, coupon_template_id, coupon_code, badge_type_id, cashback, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::numeric, $13)
		ON CONFLICT (customer_id, period_identifier, distribution_type) DO UPDATE SET
			tier_id = EXCLUDED.tier_id,
			tier_name = EXCLUDED.tier_name,
			rank = EXCLUDED.rank,
			coupon_template_id = EXCLUDED.coupon_template_id,
			coupon_code = EXCLUDED.coupon_code,
			badge_type_id = EXCLUDED.badge_type_id,
			cashback = EXCLUDED.cashback,
			issued_at = EXCLUDED.issued_at
	`,
		c.ID, string(c.CustomerID), c.DistributionType, string(c.PeriodType), c.PeriodIdentifier,
		tierString(c.TierID), nullable(c.TierName), c.Rank, c.CouponTemplateID, c.CouponCode,
		c.BadgeTypeID, c.Cashback.String(), c.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credit: %w", wrapUnique(err))
	}
	return nil
}

func (d *distributionTx) UpsertLogEntry(ctx context.Context, e generic.DistributionLogEntry) error {
	_, err := d.tx.Exec(ctx, `
		INSERT INTO distribution_log (id, distribution_type, period_identifier, customer_id, coupon_id,
			tier_id, rank, xp_at_distribution, distributed_at, distributed_by, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (customer_id, period_identifier, distribution_type) DO UPDATE SET
			coupon_id = EXCLUDED.coupon_id,
			tier_id = EXCLUDED.tier_id,
			rank = EXCLUDED.rank,
			xp_at_distribution = EXCLUDED.xp_at_distribution,
			distributed_at = EXCLUDED.distributed_at,
			distributed_by = EXCLUDED.distributed_by,
			notes = EXCLUDED.notes
	`,
		e.ID, e.DistributionType, e.PeriodIdentifier, string(e.CustomerID), e.CouponID,
		tierString(e.TierID), e.Rank, e.XPAtDistribution, e.DistributedAt,
		nullable(e.DistributedBy), nullable(e.Notes),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert distribution log: %w", wrapUnique(err))
	}
	return nil
}

// Prune deletes rows of customers outside keep from both tables and counts
// the distinct customers removed.
func (d *distributionTx) Prune(ctx context.Context, distributionType, periodID string, keep []generic.CustomerID) (int, error) {
	kept := make([]string, 0, len(keep))
	for _, id := range keep {
		kept = append(kept, string(id))
	}

	removed := make(map[string]bool)
	for _, table := range []string{"credits", "distribution_log"} {
		rows, err := d.tx.Query(ctx, `DELETE FROM `+table+`
			WHERE distribution_type = $1 AND period_identifier = $2 AND NOT (customer_id = ANY($3::text[]))
			RETURNING customer_id`, distributionType, periodID, kept)
		if err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		customers, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		for _, c := range customers {
			removed[c] = true
		}
	}
	return len(removed), nil
}

func (d *distributionTx) SavePeriodConfig(ctx context.Context, cfg generic.PeriodRewardConfig) error {
	return d.parent.putConfig(ctx, d.tx, cfg.Period, &cfg)
}

// wrapUnique marks a unique violation the upsert could not absorb as a conflict.
func wrapUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return fmt.Errorf("%w: %s", generic.ErrConflict, pgErr.Message)
	}
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Store) DistributionLog(ctx context.Context, filter generic.LogFilter) ([]generic.DistributionLogEntry, error) {
	where, args := filterClause(filter.DistributionType, filter.PeriodIdentifier, filter.CustomerID)
	query := `SELECT id, distribution_type, period_identifier, customer_id, coupon_id, tier_id, rank,
		xp_at_distribution, distributed_at, distributed_by, notes
		FROM distribution_log` + where + ` ORDER BY distributed_at DESC, rank`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []generic.DistributionLogEntry
	for rows.Next() {
		var (
			e                 generic.DistributionLogEntry
			customer          string
			tierID, by, notes *string
		)
		if err := rows.Scan(&e.ID, &e.DistributionType, &e.PeriodIdentifier, &customer, &e.CouponID, &tierID,
			&e.Rank, &e.XPAtDistribution, &e.DistributedAt, &by, &notes); err != nil {
			return nil, err
		}
		e.CustomerID = generic.CustomerID(customer)
		e.TierID = tierFromString(tierID)
		e.DistributedBy = deref(by)
		e.Notes = deref(notes)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Credits(ctx context.Context, filter generic.CreditFilter) ([]generic.Credit, error) {
	where, args := filterClause(filter.DistributionType, filter.PeriodIdentifier, filter.CustomerID)
	rows, err := s.pool.Query(ctx, `SELECT id, customer_id, distribution_type, period_type, period_identifier,
		tier_id, tier_name, rank, coupon_template_id, coupon_code, badge_type_id, cashback::text, issued_at
		FROM credits`+where+` ORDER BY period_identifier DESC, rank`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var credits []generic.Credit
	for rows.Next() {
		var (
			c                      generic.Credit
			customer, pt, cashback string
			tierID, tierName       *string
		)
		if err := rows.Scan(&c.ID, &customer, &c.DistributionType, &pt, &c.PeriodIdentifier,
			&tierID, &tierName, &c.Rank, &c.CouponTemplateID, &c.CouponCode, &c.BadgeTypeID,
			&cashback, &c.IssuedAt); err != nil {
			return nil, err
		}
		c.CustomerID = generic.CustomerID(customer)
		c.PeriodType = generic.PeriodType(pt)
		c.TierID = tierFromString(tierID)
		c.TierName = deref(tierName)
		c.Cashback = parseDecimal(cashback)
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

func filterClause(distributionType, periodID string, customer generic.CustomerID) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if distributionType != "" {
		add("distribution_type", distributionType)
	}
	if periodID != "" {
		add("period_identifier", periodID)
	}
	if customer != "" {
		add("customer_id", string(customer))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Helper functions

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func tierString(id *generic.TierID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func tierFromString(s *string) *generic.TierID {
	if s == nil {
		return nil
	}
	id := generic.TierID(*s)
	return &id
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
