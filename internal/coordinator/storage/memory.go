// Package storage keeps track of jobs submitted through the status API so
// their outcome can be looked up after they leave the scheduler.
package storage

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/archipelago-go/archipelago/internal/future"
)

var ErrNotFound = errors.New("submission not found")

type Submission struct {
	JobID       string
	Task        string
	Cores       int
	SubmittedAt time.Time
	Future      *future.Future
}

type Filter struct {
	// Done, if set, keeps only submissions whose future is (or is not) done.
	Done   *bool
	Limit  int
	Offset int
}

type SubmissionStore interface {
	Save(s *Submission) error
	Get(jobID string) (*Submission, error)
	List(filter Filter) ([]*Submission, int, error)
}

// InMemorySubmissionStore holds at most capacity submissions. When full,
// the oldest finished submissions are evicted first; pending ones are never
// evicted.
type InMemorySubmissionStore struct {
	mu       sync.RWMutex
	capacity int
	byID     map[string]*Submission
	order    []*Submission
}

func NewInMemorySubmissionStore(capacity int) *InMemorySubmissionStore {
	return &InMemorySubmissionStore{
		capacity: capacity,
		byID:     make(map[string]*Submission),
	}
}

func (s *InMemorySubmissionStore) Save(sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[sub.JobID]; !exists {
		s.order = append(s.order, sub)
	} else {
		for i, existing := range s.order {
			if existing.JobID == sub.JobID {
				s.order[i] = sub
				break
			}
		}
	}
	s.byID[sub.JobID] = sub
	s.evict()
	return nil
}

func (s *InMemorySubmissionStore) evict() {
	if s.capacity <= 0 {
		return
	}
	for excess := len(s.order) - s.capacity; excess > 0; excess-- {
		i := slices.IndexFunc(s.order, func(sub *Submission) bool { return sub.Future.IsDone() })
		if i < 0 {
			return
		}
		delete(s.byID, s.order[i].JobID)
		s.order = slices.Delete(s.order, i, i+1)
	}
}

func (s *InMemorySubmissionStore) Get(jobID string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, exists := s.byID[jobID]
	if !exists {
		return nil, ErrNotFound
	}
	return sub, nil
}

// List returns the matching submissions newest first, paginated, and the
// number of matches before pagination.
func (s *InMemorySubmissionStore) List(filter Filter) ([]*Submission, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Submission, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		sub := s.order[i]
		if filter.Done != nil && sub.Future.IsDone() != *filter.Done {
			continue
		}
		matched = append(matched, sub)
	}

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}
