package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/intent"
)

// FileStore 把快照写入本地 JSON 文件，写入通过临时文件加重命名完成。
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore 创建文件存储，必要时创建父目录。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "状态文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建状态目录失败")
	}
	return &FileStore{path: path}, nil
}

// Load 读取快照，文件不存在时返回空快照。
func (s *FileStore) Load(ctx context.Context) (*intent.PersistedQueueState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &intent.PersistedQueueState{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取状态文件失败")
	}
	if len(raw) == 0 {
		return &intent.PersistedQueueState{}, nil
	}
	var snapshot intent.PersistedQueueState
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析状态文件失败")
	}
	return &snapshot, nil
}

// Save 原子地覆盖快照。
func (s *FileStore) Save(ctx context.Context, snapshot intent.PersistedQueueState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snapshot.Queue == nil {
		snapshot.Queue = []intent.Intent{}
	}
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化状态失败")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时状态文件失败")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入状态文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步状态文件失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭状态文件失败")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("替换状态文件 %s 失败", s.path))
	}
	return nil
}

// Close 文件存储无需释放资源。
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
