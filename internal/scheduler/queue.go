package scheduler

import (
	"container/heap"
	"errors"
	"slices"
	"sync"

	"github.com/archipelago-go/archipelago/internal/job"
)

// Priority orders queued jobs (lower value means higher priority).
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
)

// ErrQueueEmpty is returned when Pop() or Top() is called on an empty queue.
var ErrQueueEmpty = errors.New("job queue is empty")

// JobQueue is a thread-safe min-heap of waiting jobs. High priority jobs
// come first, then larger core requests, then insertion order.
type JobQueue interface {
	Push(j *job.Job, priority Priority, cores int) error
	Pop() (*job.Job, error)
	Top() (*job.Job, error)
	Remove(id string) (*job.Job, bool)
	Ordered() []*job.Job
	Len() int
}

type heapJobQueue struct {
	pq       priorityQueue
	byID     map[string]*item
	mu       sync.RWMutex
	sequence uint64
}

func NewJobQueue() JobQueue {
	pq := make(priorityQueue, 0)
	heap.Init(&pq)
	return &heapJobQueue{pq: pq, byID: make(map[string]*item)}
}

func (q *heapJobQueue) Push(j *job.Job, priority Priority, cores int) error {
	if j == nil {
		return errors.New("cannot push nil job")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[j.ID()]; exists {
		return errors.New("job already queued: " + j.ID())
	}
	it := &item{
		job:      j,
		priority: priority,
		cores:    cores,
		sequence: q.sequence,
	}
	heap.Push(&q.pq, it)
	q.byID[j.ID()] = it
	q.sequence++
	return nil
}

func (q *heapJobQueue) Pop() (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pq.Len() == 0 {
		return nil, ErrQueueEmpty
	}
	it := heap.Pop(&q.pq).(*item)
	delete(q.byID, it.job.ID())
	return it.job, nil
}

func (q *heapJobQueue) Top() (*job.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.pq.Len() == 0 {
		return nil, ErrQueueEmpty
	}
	return q.pq[0].job, nil
}

func (q *heapJobQueue) Remove(id string) (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.pq, it.index)
	delete(q.byID, id)
	return it.job, true
}

// Ordered returns the queued jobs in the order they would be popped.
func (q *heapJobQueue) Ordered() []*job.Job {
	q.mu.RLock()
	items := slices.Clone(q.pq)
	q.mu.RUnlock()

	slices.SortFunc(items, func(a, b *item) int {
		if a.less(b) {
			return -1
		}
		if b.less(a) {
			return 1
		}
		return 0
	})
	jobs := make([]*job.Job, len(items))
	for i, it := range items {
		jobs[i] = it.job
	}
	return jobs
}

func (q *heapJobQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pq.Len()
}

// item wraps a job with its ordering keys and index in the heap.
type item struct {
	job      *job.Job
	priority Priority
	cores    int
	sequence uint64 // Insertion order for FIFO within same priority and size
	index    int    // Required by heap.Interface
}

func (it *item) less(other *item) bool {
	if it.priority != other.priority {
		return it.priority < other.priority
	}
	// Bigger jobs first; small ones fill the gaps they leave.
	if it.cores != other.cores {
		return it.cores > other.cores
	}
	return it.sequence < other.sequence
}

// priorityQueue satisfies heap.Interface.
type priorityQueue []*item

func (pq priorityQueue) Len() int {
	return len(pq)
}

func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].less(pq[j])
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	it := x.(*item)
	it.index = n
	*pq = append(*pq, it)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[0 : n-1]
	return it
}
