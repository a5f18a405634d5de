package store

import (
	"sync"

	"github.com/warp/period-rewards/generic"
)

// RowLocks emulates per-period row locks for backends without SELECT ... FOR
// UPDATE. Distributions take a row with TryLock and fail fast; config writes
// take it with Lock and wait.
type RowLocks struct {
	mu   sync.Mutex
	rows map[generic.PeriodKey]*sync.Mutex
}

func (l *RowLocks) row(key generic.PeriodKey) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rows == nil {
		l.rows = make(map[generic.PeriodKey]*sync.Mutex)
	}
	m, ok := l.rows[key]
	if !ok {
		m = &sync.Mutex{}
		l.rows[key] = m
	}
	return m
}

func (l *RowLocks) TryLock(key generic.PeriodKey) bool { return l.row(key).TryLock() }

func (l *RowLocks) Lock(key generic.PeriodKey) { l.row(key).Lock() }

func (l *RowLocks) Unlock(key generic.PeriodKey) { l.row(key).Unlock() }
