package output

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"txindexer/pkg/models"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DefaultTable 默认表名
const DefaultTable = "classified_transactions"

var tableNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresOutput 按 (address, tx_hash) 幂等写入
type PostgresOutput struct {
	db     *sql.DB
	table  string
	logger *logrus.Logger
}

// NewPostgresOutput 连接数据库并确保表存在
func NewPostgresOutput(dsn, table string, logger *logrus.Logger) (*PostgresOutput, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNameRegex.MatchString(table) {
		return nil, fmt.Errorf("无效的表名: %q", table)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	out := &PostgresOutput{db: db, table: table, logger: logger}
	if _, err := db.Exec(createTableSQL(table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建表失败: %w", err)
	}
	logger.Infof("Postgres输出已就绪，表: %s", table)
	return out, nil
}

// createTableSQL 建表语句
func createTableSQL(table string) string {
	defs := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		defs = append(defs, pq.QuoteIdentifier(c.name)+" "+c.sqlType)
	}
	defs = append(defs, "PRIMARY KEY (address, tx_hash)")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", pq.QuoteIdentifier(table), strings.Join(defs, ",\n\t"))
}

// upsertSQL 冲突时覆盖除主键以外的列
func upsertSQL(table string) string {
	names := make([]string, len(columns))
	params := make([]string, len(columns))
	updates := make([]string, 0, len(columns))
	for i, c := range columns {
		quoted := pq.QuoteIdentifier(c.name)
		names[i] = quoted
		params[i] = fmt.Sprintf("$%d", i+1)
		if c.name != "address" && c.name != "tx_hash" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (address, tx_hash) DO UPDATE SET %s",
		pq.QuoteIdentifier(table), strings.Join(names, ", "), strings.Join(params, ", "), strings.Join(updates, ", "))
}

// rowValues 按列序取值
func rowValues(r *models.TxRow) []interface{} {
	values := make([]interface{}, len(columns))
	for i, c := range columns {
		values[i] = c.value(r)
	}
	return values
}

// WriteRows 在一个事务内写入
func (p *PostgresOutput) WriteRows(rows []models.TxRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertSQL(p.table))
	if err != nil {
		return fmt.Errorf("准备语句失败: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		if _, err := stmt.Exec(rowValues(&rows[i])...); err != nil {
			return fmt.Errorf("写入 %s 失败: %w", rows[i].TxHash, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	p.logger.Debugf("已写入 %d 行到 %s", len(rows), p.table)
	return nil
}

// Close 关闭连接
func (p *PostgresOutput) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
