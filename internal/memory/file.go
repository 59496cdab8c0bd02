package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultTail = 512

// FileRecorder 以 JSONL 追加写的方式记录轨迹，并在内存中保留最近的记录。
type FileRecorder struct {
	mu      sync.RWMutex
	path    string
	tail    int
	records []Trace
}

// NewFileRecorder 打开或创建轨迹文件。
func NewFileRecorder(path string) (*FileRecorder, error) {
	if path == "" {
		path = "traces.jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	rec := &FileRecorder{path: path, tail: defaultTail}
	if err := rec.loadFromDisk(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Record 追加一条轨迹。
func (f *FileRecorder) Record(_ context.Context, trace Trace) error {
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("序列化轨迹失败: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开轨迹文件失败: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入轨迹文件失败: %w", err)
	}

	f.records = append([]Trace{trace}, f.records...)
	if len(f.records) > f.tail {
		f.records = f.records[:f.tail]
	}
	return nil
}

// Recent 返回最近的轨迹，按时间倒序排列。
func (f *FileRecorder) Recent(_ context.Context, limit int) ([]Trace, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.records) {
		limit = len(f.records)
	}
	out := make([]Trace, limit)
	copy(out, f.records[:limit])
	return out, nil
}

// Close 实现 Recorder。
func (f *FileRecorder) Close() error { return nil }

func (f *FileRecorder) loadFromDisk() error {
	file, err := os.OpenFile(f.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取轨迹文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []Trace
	for scanner.Scan() {
		var trace Trace
		if err := json.Unmarshal(scanner.Bytes(), &trace); err != nil {
			continue
		}
		restored = append([]Trace{trace}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析轨迹文件失败: %w", err)
	}
	if len(restored) > f.tail {
		restored = restored[:f.tail]
	}
	f.records = restored
	return nil
}
