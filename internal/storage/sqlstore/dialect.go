package sqlstore

import (
	"fmt"
	"strings"
)

// dialect 收敛 MySQL 与 SQLite 之间唯一的差异：upsert 语法。
type dialect struct {
	name   string
	driver string
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "mysql":
		return dialect{name: "mysql", driver: "mysql"}, nil
	case "sqlite", "sqlite3":
		return dialect{name: "sqlite", driver: "sqlite"}, nil
	default:
		return dialect{}, fmt.Errorf("不支持的数据库驱动 %q", driver)
	}
}

// upsert 生成按主键插入或覆盖的语句。
func (d dialect) upsert(table, key string, columns []string) string {
	all := append([]string{key}, columns...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(all, ", "), placeholders)

	sets := make([]string, len(columns))
	for i, col := range columns {
		if d.name == "mysql" {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
		} else {
			sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
		}
	}
	if d.name == "mysql" {
		return head + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("%s ON CONFLICT(%s) DO UPDATE SET %s", head, key, strings.Join(sets, ", "))
}
