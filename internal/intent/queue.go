package intent

import (
	"sort"
	"sync"
	"time"
)

// Queue 是按优先级出队的内存队列。同优先级按入队顺序出队。
type Queue struct {
	mu    sync.Mutex
	items []Intent
	seq   uint64
}

// NewQueue 创建空队列。
func NewQueue() *Queue {
	return &Queue{}
}

// Push 复制意图并追加到队尾，返回分配的序号与当前长度。
func (q *Queue) Push(item Intent) (Intent, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	item = item.Clone()
	item.Seq = q.seq
	q.items = append(q.items, item)
	return item.Clone(), len(q.items)
}

// Requeue 放回已出队的意图并保留原序号，恢复后仍按原顺序出队。
func (q *Queue) Requeue(item Intent) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.Seq == 0 || item.Seq > q.seq {
		q.seq++
		item.Seq = q.seq
	}
	q.items = append(q.items, item.Clone())
	return len(q.items)
}

// PopHighest 移除并返回优先级最高的意图。
func (q *Queue) PopHighest() (Intent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Intent{}, false
	}
	best := 0
	for idx := 1; idx < len(q.items); idx++ {
		if before(q.items[idx], q.items[best]) {
			best = idx
		}
	}
	item := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return item, true
}

func before(a, b Intent) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// Len 返回队列长度。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot 按出队顺序返回队列副本。
func (q *Queue) Snapshot() []Intent {
	q.mu.Lock()
	out := make([]Intent, len(q.items))
	for i, item := range q.items {
		out[i] = item.Clone()
	}
	q.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// State 返回用于持久化的队列状态，保持插入顺序。
func (q *Queue) State(now time.Time) PersistedQueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Intent, len(q.items))
	for i, item := range q.items {
		items[i] = item.Clone()
	}
	return PersistedQueueState{Queue: items, LastUpdate: now.UTC()}
}

// Restore 用持久化状态替换队列内容。缺失序号的条目按文件顺序补齐，
// 后续入队的序号始终大于已恢复的条目。
func (q *Queue) Restore(state PersistedQueueState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	var maxSeq uint64
	for _, item := range state.Queue {
		if item.Seq > maxSeq {
			maxSeq = item.Seq
		}
	}
	for _, item := range state.Queue {
		if item.Seq == 0 {
			maxSeq++
			item.Seq = maxSeq
		}
		q.items = append(q.items, item.Clone())
	}
	if maxSeq > q.seq {
		q.seq = maxSeq
	}
}
