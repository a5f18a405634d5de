package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/period-rewards/generic"
)

// =============================================================================
// QUEST ELIGIBILITY - Pure functions over loaded quests
// =============================================================================

// IsActiveForPeriod reports whether a quest runs in the period. A quest with no
// associated periods runs in every period of its type.
func IsActiveForPeriod(q generic.Quest, periodID string) bool {
	if len(q.Periods) == 0 {
		return true
	}
	for _, id := range q.Periods {
		if id == periodID {
			return true
		}
	}
	return false
}

// QuestBuckets partitions quests relative to the current period.
type QuestBuckets struct {
	Current  []generic.Quest
	Upcoming []generic.Quest
	Archived []generic.Quest
}

// Bucket sorts quests into current (active now), upcoming (some associated
// period after current) and archived (everything else). Input order is kept
// within each bucket.
func Bucket(quests []generic.Quest, current string) QuestBuckets {
	var b QuestBuckets
	for _, q := range quests {
		switch {
		case IsActiveForPeriod(q, current):
			b.Current = append(b.Current, q)
		case hasLaterPeriod(q, current):
			b.Upcoming = append(b.Upcoming, q)
		default:
			b.Archived = append(b.Archived, q)
		}
	}
	return b
}

func hasLaterPeriod(q generic.Quest, current string) bool {
	for _, id := range q.Periods {
		if generic.Compare(id, current) > 0 {
			return true
		}
	}
	return false
}

// =============================================================================
// QUEST SERVICE
// =============================================================================

type QuestService struct {
	Store  generic.QuestStore
	Clock  generic.Clock
	NewID  func() string
	Logger *slog.Logger
}

func NewQuestService(store generic.QuestStore) *QuestService {
	return &QuestService{Store: store, Clock: generic.SystemClock, NewID: uuid.NewString}
}

// CreateQuest stores a new quest and, when given, its period allow-list.
func (s *QuestService) CreateQuest(ctx context.Context, q generic.Quest) (generic.Quest, error) {
	q.Title = strings.TrimSpace(q.Title)
	if q.Title == "" {
		return generic.Quest{}, &generic.ValidationError{Field: "title", Message: "quest title is required"}
	}
	if !q.PeriodType.Valid() {
		return generic.Quest{}, &generic.ValidationError{Field: "period_type", Message: fmt.Sprintf("unsupported period type %q", q.PeriodType)}
	}
	if q.XPReward < 0 {
		return generic.Quest{}, &generic.ValidationError{Field: "xp_reward", Message: "must not be negative"}
	}
	periods, err := normalizePeriods(q.PeriodType, q.Periods)
	if err != nil {
		return generic.Quest{}, err
	}

	if q.ID == "" {
		q.ID = generic.QuestID(s.newID())
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.clock().Now()
	}
	if err := s.Store.SaveQuest(ctx, q); err != nil {
		return generic.Quest{}, fmt.Errorf("failed to save quest: %w", err)
	}
	if err := s.Store.SetQuestPeriods(ctx, q.ID, periods); err != nil {
		return generic.Quest{}, err
	}
	q.Periods = periods

	resolveLogger(s.Logger).Info("quest created",
		"event", "quest_created",
		"module", "rewards/quests",
		"quest_id", q.ID,
		"period_type", q.PeriodType,
		"period_count", len(periods),
	)
	return q, nil
}

func (s *QuestService) GetQuest(ctx context.Context, id generic.QuestID) (generic.Quest, error) {
	q, err := s.Store.GetQuest(ctx, id)
	if err != nil {
		return generic.Quest{}, fmt.Errorf("failed to get quest: %w", err)
	}
	if q == nil {
		return generic.Quest{}, &generic.NotFoundError{Kind: "quest", ID: string(id)}
	}
	return *q, nil
}

// ListQuests returns the quests of a type; an empty type lists all.
func (s *QuestService) ListQuests(ctx context.Context, pt generic.PeriodType) ([]generic.Quest, error) {
	if pt != "" && !pt.Valid() {
		return nil, &generic.ValidationError{Field: "period_type", Message: fmt.Sprintf("unsupported period type %q", pt)}
	}
	return s.Store.ListQuests(ctx, pt)
}

// SetQuestPeriods replaces the quest's allow-list. Every identifier must
// belong to the quest's period type; duplicates collapse. An empty list makes
// the quest active in every period.
func (s *QuestService) SetQuestPeriods(ctx context.Context, id generic.QuestID, ids []string) error {
	q, err := s.GetQuest(ctx, id)
	if err != nil {
		return err
	}
	periods, err := normalizePeriods(q.PeriodType, ids)
	if err != nil {
		return err
	}
	if err := s.Store.SetQuestPeriods(ctx, id, periods); err != nil {
		return err
	}
	resolveLogger(s.Logger).Info("quest periods replaced",
		"event", "quest_periods_set",
		"module", "rewards/quests",
		"quest_id", id,
		"period_count", len(periods),
	)
	return nil
}

// BucketQuests buckets the quests of a type against the clock's current period.
func (s *QuestService) BucketQuests(ctx context.Context, pt generic.PeriodType) (QuestBuckets, string, error) {
	if !pt.Valid() {
		return QuestBuckets{}, "", &generic.ValidationError{Field: "period_type", Message: fmt.Sprintf("unsupported period type %q", pt)}
	}
	quests, err := s.Store.ListQuests(ctx, pt)
	if err != nil {
		return QuestBuckets{}, "", fmt.Errorf("failed to list quests: %w", err)
	}
	current := generic.Identifier(pt, s.clock().Now())
	return Bucket(quests, current), current, nil
}

func normalizePeriods(pt generic.PeriodType, ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if _, err := generic.ParseIdentifier(pt, id); err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return generic.Compare(out[i], out[j]) < 0 })
	return out, nil
}

func (s *QuestService) clock() generic.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return generic.SystemClock
}

func (s *QuestService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}
