package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Config 描述数据库连接配置。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, dialect, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, dialect{}, fmt.Errorf("数据库 DSN 不能为空")
	}

	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, dialect{}, err
	}

	dsn := cfg.DSN
	if d.name == "mysql" {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, dialect{}, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
		}
		// 迁移脚本按语句拆分执行，不依赖多语句模式。
		parsed.MultiStatements = false
		dsn = parsed.FormatDSN()
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, dialect{}, fmt.Errorf("连接 %s 失败: %w", d.name, err)
	}

	if d.name == "sqlite" {
		// SQLite 只允许一个写连接。
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, dialect{}, fmt.Errorf("无法连接到 %s: %w", d.name, err)
	}
	return db, d, nil
}
