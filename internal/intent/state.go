package intent

import "time"

// PersistedQueueState 是落盘的待处理队列快照。
type PersistedQueueState struct {
	Queue      []Intent  `json:"queue"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Empty 判断快照是否没有待处理意图。
func (s *PersistedQueueState) Empty() bool {
	return s == nil || len(s.Queue) == 0
}
