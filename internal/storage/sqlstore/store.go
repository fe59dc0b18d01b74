package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TaskMarket-Chain/internal/errors"
	"TaskMarket-Chain/internal/registry"
	"TaskMarket-Chain/pkg/logger"
)

var taskColumns = []string{"creator", "worker", "prompt", "result_uri", "reward", "state", "completed_at"}

// Store 基于 database/sql 实现 registry.Store。
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// New 打开数据库连接并执行迁移。
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, d, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开注册表数据库失败")
	}
	store := &Store{db: db, dialect: d, logger: logger.Named("sqlstore").With("driver", d.name)}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return store, nil
}

// NewWithDB 使用已有连接构造 Store，不执行迁移。
func NewWithDB(db *sql.DB, driver string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: d, logger: logger.Named("sqlstore").With("driver", d.name)}, nil
}

// Load 读取完整的注册表状态。
func (s *Store) Load(ctx context.Context) (*registry.Snapshot, error) {
	snapshot := &registry.Snapshot{}

	var owner, escrow string
	err := s.db.QueryRowContext(ctx, `SELECT owner, escrow FROM registry_meta WHERE id = 1`).Scan(&owner, &escrow)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return snapshot, nil
	case err != nil:
		return nil, fmt.Errorf("查询注册表元数据失败: %w", err)
	}
	if snapshot.Owner, err = registry.ParseAddress(owner); err != nil {
		return nil, err
	}
	if snapshot.Escrow, err = registry.ParseAmount(escrow); err != nil {
		return nil, err
	}

	if snapshot.Tasks, err = s.loadTasks(ctx); err != nil {
		return nil, err
	}
	if snapshot.Balances, err = s.loadBalances(ctx); err != nil {
		return nil, err
	}
	if snapshot.Events, err = s.loadEvents(ctx); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *Store) loadTasks(ctx context.Context) ([]*registry.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, creator, worker, prompt, result_uri, reward, state, completed_at
    FROM tasks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	defer rows.Close()

	var tasks []*registry.Task
	for rows.Next() {
		var (
			task                    registry.Task
			creator, worker, reward string
			state                   uint8
		)
		if err := rows.Scan(&task.ID, &creator, &worker, &task.Prompt, &task.ResultURI, &reward, &state, &task.CompletedAt); err != nil {
			return nil, fmt.Errorf("解析任务失败: %w", err)
		}
		if task.Creator, err = registry.ParseAddress(creator); err != nil {
			return nil, err
		}
		if task.Worker, err = registry.ParseAddress(worker); err != nil {
			return nil, err
		}
		if task.Reward, err = registry.ParseAmount(reward); err != nil {
			return nil, err
		}
		task.State = registry.State(state)
		if !task.State.Valid() {
			return nil, fmt.Errorf("任务 %d 状态非法: %d", task.ID, state)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历任务失败: %w", err)
	}
	return tasks, nil
}

func (s *Store) loadBalances(ctx context.Context) (map[common.Address]*big.Int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account, amount FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	defer rows.Close()

	balances := make(map[common.Address]*big.Int)
	for rows.Next() {
		var account, amount string
		if err := rows.Scan(&account, &amount); err != nil {
			return nil, fmt.Errorf("解析余额失败: %w", err)
		}
		addr, err := registry.ParseAddress(account)
		if err != nil {
			return nil, err
		}
		value, err := registry.ParseAmount(amount)
		if err != nil {
			return nil, err
		}
		balances[addr] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历余额失败: %w", err)
	}
	return balances, nil
}

func (s *Store) loadEvents(ctx context.Context) ([]registry.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, kind, task_id, creator, worker, prompt, result_uri, reward, occurred_at
    FROM task_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询任务事件失败: %w", err)
	}
	defer rows.Close()

	var events []registry.Event
	for rows.Next() {
		var (
			event                   registry.Event
			kind                    string
			creator, worker, reward string
		)
		if err := rows.Scan(&event.Seq, &kind, &event.TaskID, &creator, &worker, &event.Prompt, &event.ResultURI, &reward, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("解析任务事件失败: %w", err)
		}
		event.Kind = registry.EventKind(kind)
		if !event.Kind.Valid() {
			return nil, fmt.Errorf("未知事件类型 %q", kind)
		}
		if creator != "" {
			if event.Creator, err = registry.ParseAddress(creator); err != nil {
				return nil, err
			}
		}
		if worker != "" {
			if event.Worker, err = registry.ParseAddress(worker); err != nil {
				return nil, err
			}
		}
		if reward != "" {
			if event.Reward, err = registry.ParseAmount(reward); err != nil {
				return nil, err
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历任务事件失败: %w", err)
	}
	return events, nil
}

// Commit 在单个事务中写入一次变更。
func (s *Store) Commit(ctx context.Context, change registry.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := s.apply(ctx, tx, change); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, tx *sql.Tx, change registry.Change) error {
	if change.Owner != nil {
		if _, err := tx.ExecContext(ctx, s.dialect.upsert("registry_meta", "id", []string{"owner"}), 1, change.Owner.Hex()); err != nil {
			return fmt.Errorf("写入注册表所有者失败: %w", err)
		}
	}
	if change.Escrow != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE registry_meta SET escrow = ? WHERE id = 1`, change.Escrow.String()); err != nil {
			return fmt.Errorf("写入托管余额失败: %w", err)
		}
	}
	if task := change.Task; task != nil {
		reward := "0"
		if task.Reward != nil {
			reward = task.Reward.String()
		}
		_, err := tx.ExecContext(ctx, s.dialect.upsert("tasks", "id", taskColumns),
			task.ID, task.Creator.Hex(), task.Worker.Hex(), task.Prompt, task.ResultURI, reward, uint8(task.State), task.CompletedAt)
		if err != nil {
			return fmt.Errorf("写入任务 %d 失败: %w", task.ID, err)
		}
	}
	if len(change.Balances) > 0 {
		accounts := make([]common.Address, 0, len(change.Balances))
		for account := range change.Balances {
			accounts = append(accounts, account)
		}
		sort.Slice(accounts, func(i, j int) bool { return accounts[i].Cmp(accounts[j]) < 0 })
		stmt := s.dialect.upsert("balances", "account", []string{"amount"})
		for _, account := range accounts {
			if _, err := tx.ExecContext(ctx, stmt, account.Hex(), change.Balances[account].String()); err != nil {
				return fmt.Errorf("写入账户余额失败: %w", err)
			}
		}
	}
	for _, event := range change.Events {
		if _, err := tx.ExecContext(ctx, insertEventSQL(), eventArgs(event)...); err != nil {
			return fmt.Errorf("写入任务事件 %d 失败: %w", event.Seq, err)
		}
	}
	return nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func insertEventSQL() string {
	return `INSERT INTO task_events
    (seq, kind, task_id, creator, worker, prompt, result_uri, reward, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func eventArgs(event registry.Event) []any {
	var creator, worker, reward string
	if event.Creator != (common.Address{}) {
		creator = event.Creator.Hex()
	}
	if event.Worker != (common.Address{}) {
		worker = event.Worker.Hex()
	}
	if event.Reward != nil {
		reward = event.Reward.String()
	}
	return []any{event.Seq, string(event.Kind), event.TaskID, creator, worker, event.Prompt, event.ResultURI, reward, event.OccurredAt}
}

var _ registry.Store = (*Store)(nil)
