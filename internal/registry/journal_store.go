package registry

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"

	"TaskMarket-Chain/pkg/logger"
)

// JournalStore 以追加写 JSON 行的方式记录每次变更，启动时按顺序回放。
// 每一行即一次完整提交，写入失败时该次调用整体失败，文件回退到写入前的长度。
type JournalStore struct {
	mu     sync.Mutex
	path   string
	sync   bool
	logger *slog.Logger
	open   func(path string) (journalFile, error)
}

// journalFile 是 Commit 用到的文件操作。
type journalFile interface {
	io.Writer
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// JournalOption 定义可选配置。
type JournalOption func(*JournalStore)

// WithFsync 在每次提交后调用 fsync。
func WithFsync(enabled bool) JournalOption {
	return func(j *JournalStore) {
		j.sync = enabled
	}
}

// WithJournalLogger 指定日志记录器。
func WithJournalLogger(l *slog.Logger) JournalOption {
	return func(j *JournalStore) {
		if l != nil {
			j.logger = l
		}
	}
}

// NewJournalStore 在 dataDir 下创建或打开 registry.journal。
func NewJournalStore(dataDir string, opts ...JournalOption) (*JournalStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store := &JournalStore{
		path:   filepath.Join(dataDir, "registry.journal"),
		logger: logger.Named("journal"),
		open:   openAppend,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func openAppend(path string) (journalFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Path 返回日志文件路径。
func (j *JournalStore) Path() string {
	return j.path
}

// Load 回放日志，重建快照。末尾缺少换行且无法解析的半行视为崩溃时的残留写入，截断后继续。
func (j *JournalStore) Load(_ context.Context) (*Snapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("读取注册表日志失败: %w", err)
	}
	defer file.Close()

	snapshot := &Snapshot{}
	reader := bufio.NewReader(file)
	var offset int64
	for line := 1; ; line++ {
		raw, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("读取注册表日志失败: %w", readErr)
		}
		torn := errors.Is(readErr, io.EOF)
		if data := bytes.TrimSpace(raw); len(data) > 0 {
			change, err := decodeJournalLine(data)
			if err != nil {
				if !torn {
					return nil, fmt.Errorf("解析注册表日志第 %d 行失败: %w", line, err)
				}
				if err := file.Truncate(offset); err != nil {
					return nil, fmt.Errorf("截断注册表日志失败: %w", err)
				}
				j.logger.Warn("丢弃注册表日志末尾的不完整写入",
					slog.Int("line", line),
					slog.Int64("offset", offset),
					slog.Int("bytes", len(raw)),
					slog.Any("error", err),
				)
				return snapshot, nil
			}
			snapshot.Fold(change)
			if torn {
				if _, err := file.WriteAt([]byte{'\n'}, offset+int64(len(raw))); err != nil {
					return nil, fmt.Errorf("补全注册表日志换行失败: %w", err)
				}
			}
		}
		offset += int64(len(raw))
		if torn {
			return snapshot, nil
		}
	}
}

func decodeJournalLine(data []byte) (Change, error) {
	var entry journalEntry
	if err := sonic.Unmarshal(data, &entry); err != nil {
		return Change{}, err
	}
	return entry.change()
}

// Commit 追加一行日志。
func (j *JournalStore) Commit(_ context.Context, change Change) error {
	encoded, err := sonic.Marshal(newJournalEntry(change))
	if err != nil {
		return fmt.Errorf("序列化注册表变更失败: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := j.open(j.path)
	if err != nil {
		return fmt.Errorf("打开注册表日志失败: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("读取注册表日志长度失败: %w", err)
	}
	size := info.Size()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return rollbackJournal(file, size, fmt.Errorf("写入注册表日志失败: %w", err))
	}
	if j.sync {
		if err := file.Sync(); err != nil {
			return rollbackJournal(file, size, fmt.Errorf("同步注册表日志失败: %w", err))
		}
	}
	return nil
}

func rollbackJournal(file journalFile, size int64, cause error) error {
	if err := file.Truncate(size); err != nil {
		return errors.Join(cause, fmt.Errorf("回退注册表日志失败: %w", err))
	}
	return cause
}

// Close 对文件日志无需操作。
func (j *JournalStore) Close() error {
	return nil
}

type journalEntry struct {
	Owner    string            `json:"owner,omitempty"`
	Task     *journalTask      `json:"task,omitempty"`
	Created  bool              `json:"created,omitempty"`
	Escrow   string            `json:"escrow,omitempty"`
	Balances map[string]string `json:"balances,omitempty"`
	Events   []journalEvent    `json:"events,omitempty"`
}

type journalTask struct {
	ID          uint64 `json:"id"`
	Creator     string `json:"creator"`
	Worker      string `json:"worker"`
	Prompt      string `json:"prompt"`
	ResultURI   string `json:"result_uri"`
	Reward      string `json:"reward"`
	State       uint8  `json:"state"`
	CompletedAt int64  `json:"completed_at"`
}

type journalEvent struct {
	Seq        uint64 `json:"seq"`
	Kind       string `json:"kind"`
	TaskID     uint64 `json:"task_id"`
	Creator    string `json:"creator,omitempty"`
	Worker     string `json:"worker,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	ResultURI  string `json:"result_uri,omitempty"`
	Reward     string `json:"reward,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

func newJournalEntry(change Change) journalEntry {
	entry := journalEntry{Created: change.Created}
	if change.Owner != nil {
		entry.Owner = change.Owner.Hex()
	}
	if change.Task != nil {
		entry.Task = &journalTask{
			ID:          change.Task.ID,
			Creator:     change.Task.Creator.Hex(),
			Worker:      change.Task.Worker.Hex(),
			Prompt:      change.Task.Prompt,
			ResultURI:   change.Task.ResultURI,
			Reward:      cloneAmount(change.Task.Reward).String(),
			State:       uint8(change.Task.State),
			CompletedAt: change.Task.CompletedAt,
		}
	}
	if change.Escrow != nil {
		entry.Escrow = change.Escrow.String()
	}
	if len(change.Balances) > 0 {
		entry.Balances = make(map[string]string, len(change.Balances))
		for account, amount := range change.Balances {
			entry.Balances[account.Hex()] = cloneAmount(amount).String()
		}
	}
	for _, event := range change.Events {
		encoded := journalEvent{
			Seq:        event.Seq,
			Kind:       string(event.Kind),
			TaskID:     event.TaskID,
			Prompt:     event.Prompt,
			ResultURI:  event.ResultURI,
			OccurredAt: event.OccurredAt,
		}
		if event.Creator != (common.Address{}) {
			encoded.Creator = event.Creator.Hex()
		}
		if event.Worker != (common.Address{}) {
			encoded.Worker = event.Worker.Hex()
		}
		if event.Reward != nil {
			encoded.Reward = event.Reward.String()
		}
		entry.Events = append(entry.Events, encoded)
	}
	return entry
}

func (e journalEntry) change() (Change, error) {
	change := Change{Created: e.Created}
	if e.Owner != "" {
		owner, err := ParseAddress(e.Owner)
		if err != nil {
			return Change{}, err
		}
		change.Owner = &owner
	}
	if e.Task != nil {
		task, err := e.Task.task()
		if err != nil {
			return Change{}, err
		}
		change.Task = task
	}
	if e.Escrow != "" {
		escrow, err := ParseAmount(e.Escrow)
		if err != nil {
			return Change{}, err
		}
		change.Escrow = escrow
	}
	if len(e.Balances) > 0 {
		change.Balances = make(map[common.Address]*big.Int, len(e.Balances))
		for rawAccount, rawAmount := range e.Balances {
			account, err := ParseAddress(rawAccount)
			if err != nil {
				return Change{}, err
			}
			amount, err := ParseAmount(rawAmount)
			if err != nil {
				return Change{}, err
			}
			change.Balances[account] = amount
		}
	}
	for _, raw := range e.Events {
		event := Event{
			Seq:        raw.Seq,
			Kind:       EventKind(raw.Kind),
			TaskID:     raw.TaskID,
			Prompt:     raw.Prompt,
			ResultURI:  raw.ResultURI,
			OccurredAt: raw.OccurredAt,
		}
		if !event.Kind.Valid() {
			return Change{}, fmt.Errorf("unknown event kind %q", raw.Kind)
		}
		if raw.Creator != "" {
			creator, err := ParseAddress(raw.Creator)
			if err != nil {
				return Change{}, err
			}
			event.Creator = creator
		}
		if raw.Worker != "" {
			worker, err := ParseAddress(raw.Worker)
			if err != nil {
				return Change{}, err
			}
			event.Worker = worker
		}
		if raw.Reward != "" {
			reward, err := ParseAmount(raw.Reward)
			if err != nil {
				return Change{}, err
			}
			event.Reward = reward
		}
		change.Events = append(change.Events, event)
	}
	return change, nil
}

func (t *journalTask) task() (*Task, error) {
	creator, err := ParseAddress(t.Creator)
	if err != nil {
		return nil, err
	}
	worker, err := ParseAddress(t.Worker)
	if err != nil {
		return nil, err
	}
	reward, err := ParseAmount(t.Reward)
	if err != nil {
		return nil, err
	}
	state := State(t.State)
	if !state.Valid() {
		return nil, fmt.Errorf("invalid task state %d", t.State)
	}
	return &Task{
		ID:          t.ID,
		Creator:     creator,
		Worker:      worker,
		Prompt:      t.Prompt,
		ResultURI:   t.ResultURI,
		Reward:      reward,
		State:       state,
		CompletedAt: t.CompletedAt,
	}, nil
}

var _ Store = (*JournalStore)(nil)
