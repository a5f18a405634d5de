// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/period-rewards/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	tiers   map[generic.TierID]generic.RewardTier
	configs map[generic.PeriodKey]generic.PeriodRewardConfig
	quests  map[generic.QuestID]generic.Quest
	periods map[generic.PeriodKey]generic.AvailablePeriod
	ranks   map[generic.PeriodKey][]generic.RankedRecipient
	credits map[generic.CreditKey]generic.Credit
	logs    map[generic.CreditKey]generic.DistributionLogEntry

	rows RowLocks

	// OnUpsertCredit, when set, runs before every credit write inside a
	// distribution. Returning an error simulates a crediting failure.
	OnUpsertCredit func(generic.Credit) error

	now func() time.Time
}

var _ generic.Store = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{now: func() time.Time { return time.Now().UTC() }}
	m.clear()
	return m
}

func (m *Memory) clear() {
	m.tiers = make(map[generic.TierID]generic.RewardTier)
	m.configs = make(map[generic.PeriodKey]generic.PeriodRewardConfig)
	m.quests = make(map[generic.QuestID]generic.Quest)
	m.periods = make(map[generic.PeriodKey]generic.AvailablePeriod)
	m.ranks = make(map[generic.PeriodKey][]generic.RankedRecipient)
	m.credits = make(map[generic.CreditKey]generic.Credit)
	m.logs = make(map[generic.CreditKey]generic.DistributionLogEntry)
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clear()
	return nil
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// TIERS
// =============================================================================

func (m *Memory) ListTiers(_ context.Context, pt generic.PeriodType) ([]generic.RewardTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tiersOfTypeLocked(pt, false), nil
}

func (m *Memory) tiersOfTypeLocked(pt generic.PeriodType, activeOnly bool) []generic.RewardTier {
	var out []generic.RewardTier
	for _, t := range m.tiers {
		if t.PeriodType != pt || (activeOnly && !t.IsActive) {
			continue
		}
		out = append(out, t)
	}
	generic.SortTiers(out)
	return out
}

func (m *Memory) GetTier(_ context.Context, id generic.TierID) (*generic.RewardTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tiers[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) SaveTier(_ context.Context, tier generic.RewardTier, check generic.LadderCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if check != nil {
		var ladder []generic.RewardTier
		for _, t := range m.tiersOfTypeLocked(tier.PeriodType, true) {
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
	m.tiers[tier.ID] = tier
	return nil
}

func (m *Memory) DeleteTier(_ context.Context, id generic.TierID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tiers[id]; !ok {
		return &generic.NotFoundError{Kind: "tier", ID: string(id)}
	}
	delete(m.tiers, id)
	return nil
}

// =============================================================================
// PERIOD CONFIGS
// =============================================================================

func (m *Memory) GetPeriodConfig(_ context.Context, key generic.PeriodKey) (*generic.PeriodRewardConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[key]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (m *Memory) ListPeriodConfigs(_ context.Context, pt generic.PeriodType) ([]generic.PeriodRewardConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.PeriodRewardConfig
	for k, cfg := range m.configs {
		if k.Type == pt {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return generic.Compare(out[i].Period.Identifier, out[j].Period.Identifier) < 0
	})
	return out, nil
}

func (m *Memory) UpdatePeriodConfig(_ context.Context, key generic.PeriodKey, fn func(*generic.PeriodRewardConfig) error) (generic.PeriodRewardConfig, error) {
	m.rows.Lock(key)
	defer m.rows.Unlock(key)
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[key]
	if !ok {
		cfg = generic.DefaultPeriodConfig(key)
	}
	if err := fn(&cfg); err != nil {
		return generic.PeriodRewardConfig{}, err
	}
	m.putConfigLocked(key, &cfg)
	return cfg, nil
}

func (m *Memory) putConfigLocked(key generic.PeriodKey, cfg *generic.PeriodRewardConfig) {
	now := m.now()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
		cfg.CreatedAt = now
	}
	cfg.Period = key
	cfg.UpdatedAt = now
	m.configs[key] = *cfg
}

// =============================================================================
// QUESTS
// =============================================================================

func (m *Memory) SaveQuest(_ context.Context, q generic.Quest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.quests[q.ID]; ok {
		q.Periods = existing.Periods
	} else {
		q.Periods = nil
	}
	m.quests[q.ID] = q
	return nil
}

func (m *Memory) GetQuest(_ context.Context, id generic.QuestID) (*generic.Quest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quests[id]
	if !ok {
		return nil, nil
	}
	q.Periods = append([]string(nil), q.Periods...)
	return &q, nil
}

func (m *Memory) ListQuests(_ context.Context, pt generic.PeriodType) ([]generic.Quest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.Quest
	for _, q := range m.quests {
		if pt == "" || q.PeriodType == pt {
			q.Periods = append([]string(nil), q.Periods...)
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetQuestPeriods(_ context.Context, id generic.QuestID, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quests[id]
	if !ok {
		return &generic.NotFoundError{Kind: "quest", ID: string(id)}
	}
	q.Periods = append([]string(nil), ids...)
	sort.Strings(q.Periods)
	m.quests[id] = q
	return nil
}

// =============================================================================
// AVAILABLE PERIODS + RANKS
// =============================================================================

func (m *Memory) SaveAvailablePeriods(_ context.Context, periods []generic.AvailablePeriod) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, p := range periods {
		if _, ok := m.periods[p.Key()]; ok {
			continue
		}
		m.periods[p.Key()] = p
		inserted++
	}
	return inserted, nil
}

func (m *Memory) AvailablePeriods(_ context.Context, pt generic.PeriodType) ([]generic.AvailablePeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.AvailablePeriod
	for k, p := range m.periods {
		if k.Type == pt {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return generic.Compare(out[i].Identifier, out[j].Identifier) < 0 })
	return out, nil
}

func (m *Memory) SaveRanks(_ context.Context, key generic.PeriodKey, ranks []generic.RankedRecipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranks[key] = append([]generic.RankedRecipient(nil), ranks...)
	return nil
}

func (m *Memory) RankedRecipients(_ context.Context, key generic.PeriodKey) ([]generic.RankedRecipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]generic.RankedRecipient(nil), m.ranks[key]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// =============================================================================
// DISTRIBUTION (generic.DistributionStore)
// =============================================================================

// WithPeriodLock holds the period's row lock for the whole call and stages
// every write in a memoryTx. Nothing reaches the maps unless fn succeeds, so
// a failed run leaves no trace, not even the pending row.
func (m *Memory) WithPeriodLock(ctx context.Context, key generic.PeriodKey, fn func(generic.PeriodRewardConfig, generic.DistributionTx) error) error {
	if !m.rows.TryLock(key) {
		return fmt.Errorf("period %s: %w", key, generic.ErrDistributionInProgress)
	}
	defer m.rows.Unlock(key)

	m.mu.RLock()
	cfg, ok := m.configs[key]
	m.mu.RUnlock()
	if !ok {
		cfg = generic.DefaultPeriodConfig(key)
	}

	tx := &memoryTx{
		parent:  m,
		credits: make(map[generic.CreditKey]generic.Credit),
		logs:    make(map[generic.CreditKey]generic.DistributionLogEntry),
		deleted: make(map[generic.CreditKey]bool),
	}
	if err := fn(cfg, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) DistributionLog(_ context.Context, filter generic.LogFilter) ([]generic.DistributionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.DistributionLogEntry
	for _, e := range m.logs {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DistributedAt.Equal(out[j].DistributedAt) {
			return out[i].DistributedAt.After(out[j].DistributedAt)
		}
		return rankOf(out[i]) < rankOf(out[j])
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func rankOf(e generic.DistributionLogEntry) int {
	if e.Rank == nil {
		return 0
	}
	return *e.Rank
}

func (m *Memory) Credits(_ context.Context, filter generic.CreditFilter) ([]generic.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.Credit
	for _, c := range m.credits {
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodIdentifier != out[j].PeriodIdentifier {
			return generic.Compare(out[i].PeriodIdentifier, out[j].PeriodIdentifier) > 0
		}
		return out[i].Rank < out[j].Rank
	})
	return out, nil
}

// memoryTx buffers one distribution's writes until commit.
type memoryTx struct {
	parent  *Memory
	credits map[generic.CreditKey]generic.Credit
	logs    map[generic.CreditKey]generic.DistributionLogEntry
	deleted map[generic.CreditKey]bool
	cfg     *generic.PeriodRewardConfig
}

func (tx *memoryTx) UpsertCredit(_ context.Context, c generic.Credit) error {
	if hook := tx.parent.OnUpsertCredit; hook != nil {
		if err := hook(c); err != nil {
			return err
		}
	}
	tx.credits[c.Key()] = c
	delete(tx.deleted, c.Key())
	return nil
}

func (tx *memoryTx) UpsertLogEntry(_ context.Context, e generic.DistributionLogEntry) error {
	tx.logs[e.Key()] = e
	delete(tx.deleted, e.Key())
	return nil
}

func (tx *memoryTx) Prune(_ context.Context, distributionType, periodID string, keep []generic.CustomerID) (int, error) {
	kept := make(map[generic.CustomerID]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	stale := func(k generic.CreditKey) bool {
		return k.DistributionType == distributionType && k.PeriodIdentifier == periodID && !kept[k.CustomerID]
	}

	removed := make(map[generic.CustomerID]bool)
	tx.parent.mu.RLock()
	for k := range tx.parent.credits {
		if stale(k) {
			tx.deleted[k] = true
			removed[k.CustomerID] = true
		}
	}
	for k := range tx.parent.logs {
		if stale(k) {
			tx.deleted[k] = true
			removed[k.CustomerID] = true
		}
	}
	tx.parent.mu.RUnlock()

	for k := range tx.credits {
		if stale(k) {
			delete(tx.credits, k)
		}
	}
	for k := range tx.logs {
		if stale(k) {
			delete(tx.logs, k)
		}
	}
	return len(removed), nil
}

func (tx *memoryTx) SavePeriodConfig(_ context.Context, cfg generic.PeriodRewardConfig) error {
	tx.cfg = &cfg
	return nil
}

func (tx *memoryTx) commit() {
	m := tx.parent
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range tx.deleted {
		delete(m.credits, k)
		delete(m.logs, k)
	}
	for k, c := range tx.credits {
		m.credits[k] = c
	}
	for k, e := range tx.logs {
		m.logs[k] = e
	}
	if tx.cfg != nil {
		m.putConfigLocked(tx.cfg.Period, tx.cfg)
	}
}
