package jobqueue

import (
	"container/heap"
	"sort"
)

// priorityHeap orders pending jobs by (-priority, created_at): higher
// priority first, FIFO within equal priority. It implements
// container/heap.Interface directly over *Job so the queue's own lock
// is the only synchronization needed.
type priorityHeap []*Job

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *priorityHeap) Push(x any) {
	job := x.(*Job)
	job.heapIndex = len(*h)
	*h = append(*h, job)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.heapIndex = -1
	*h = old[:n-1]
	return job
}

// removeJob removes job from the heap if present, preserving heap
// invariants. No-op if the job is not currently in the heap.
func removeJob(h *priorityHeap, job *Job) {
	if job.heapIndex < 0 || job.heapIndex >= h.Len() {
		return
	}
	heap.Remove(h, job.heapIndex)
}

// orderedSnapshot returns the heap's contents in dispatch order without
// mutating the heap or any Job's heapIndex — used by GetState to
// compute PendingView.Position. It must not reuse container/heap's
// Pop, since that mutates heapIndex on the shared *Job pointers.
func orderedSnapshot(h priorityHeap) []*Job {
	out := make([]*Job, len(h))
	copy(out, h)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
