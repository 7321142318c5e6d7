package actions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SubjectStore is the narrow slice of the user data store that action
// handlers need: credit balance plus an append-only ledger, badge
// membership, and the group attribute. Every mutation must be atomic with
// respect to concurrent readers of the same subject.
type SubjectStore interface {
	// AdjustCredits applies a signed delta to the subject's balance and
	// appends one ledger entry recording the reason, atomically. Returns
	// the new balance.
	AdjustCredits(ctx context.Context, userID, delta int64, reason string, ruleID int64) (int64, error)

	HasBadge(ctx context.Context, userID, badgeID int64) (bool, error)
	GrantBadge(ctx context.Context, userID, badgeID int64) error
	RevokeBadge(ctx context.Context, userID, badgeID int64) error

	UserGroup(ctx context.Context, userID int64) (int64, error)
	SetUserGroup(ctx context.Context, userID, groupID int64) error
}

// LedgerEntry is one row of the append-only credit ledger.
type LedgerEntry struct {
	UserID       int64
	Delta        int64
	Reason       string
	RuleID       int64
	BalanceAfter int64
	CreatedAt    time.Time
}

// InMemorySubjectStore keeps subject state in maps under one mutex. Used
// by unit tests and the in-memory deployment mode.
type InMemorySubjectStore struct {
	mu      sync.Mutex
	credits map[int64]int64
	badges  map[int64]map[int64]time.Time
	groups  map[int64]int64
	ledger  []LedgerEntry
}

func NewInMemorySubjectStore() *InMemorySubjectStore {
	return &InMemorySubjectStore{
		credits: make(map[int64]int64),
		badges:  make(map[int64]map[int64]time.Time),
		groups:  make(map[int64]int64),
	}
}

func (s *InMemorySubjectStore) AdjustCredits(ctx context.Context, userID, delta int64, reason string, ruleID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credits[userID] += delta
	balance := s.credits[userID]
	s.ledger = append(s.ledger, LedgerEntry{
		UserID:       userID,
		Delta:        delta,
		Reason:       reason,
		RuleID:       ruleID,
		BalanceAfter: balance,
		CreatedAt:    time.Now(),
	})
	return balance, nil
}

func (s *InMemorySubjectStore) HasBadge(ctx context.Context, userID, badgeID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.badges[userID][badgeID]
	return held, nil
}

func (s *InMemorySubjectStore) GrantBadge(ctx context.Context, userID, badgeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.badges[userID][badgeID]; held {
		return fmt.Errorf("user %d already holds badge %d", userID, badgeID)
	}
	if s.badges[userID] == nil {
		s.badges[userID] = make(map[int64]time.Time)
	}
	s.badges[userID][badgeID] = time.Now()
	return nil
}

func (s *InMemorySubjectStore) RevokeBadge(ctx context.Context, userID, badgeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.badges[userID][badgeID]; !held {
		return fmt.Errorf("user %d does not hold badge %d", userID, badgeID)
	}
	delete(s.badges[userID], badgeID)
	return nil
}

func (s *InMemorySubjectStore) UserGroup(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[userID], nil
}

func (s *InMemorySubjectStore) SetUserGroup(ctx context.Context, userID, groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[userID] = groupID
	return nil
}

// Balance reports the subject's current credit balance. Test helper.
func (s *InMemorySubjectStore) Balance(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits[userID]
}

// BadgeCount reports how many badges the subject holds. Test helper.
func (s *InMemorySubjectStore) BadgeCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.badges[userID])
}

// Ledger returns a copy of the ledger entries for a subject. Test helper.
func (s *InMemorySubjectStore) Ledger(userID int64) []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}
