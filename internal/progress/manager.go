package progress

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/runs.db"

	// 存储桶名称
	AddressBucket = "addresses"
	RunBucket     = "runs"
)

// 地址运行状态
const (
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RunRecord 某个地址最近一次索引的结果
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Address    string    `json:"address"`
	StartBlock uint64    `json:"start_block"`
	EndBlock   uint64    `json:"end_block"`
	LastBlock  uint64    `json:"last_block"`
	Rows       int       `json:"rows"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunSummary 一次索引运行的汇总
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Addresses  int       `json:"addresses"`
	Failed     int       `json:"failed"`
	Rows       int       `json:"rows"`
	StartBlock uint64    `json:"start_block"`
	EndBlock   uint64    `json:"end_block"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Manager 运行历史存储
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
}

// NewManager 创建运行历史存储
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开运行历史数据库失败: %w", err)
	}

	manager := &Manager{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := manager.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Debugf("运行历史已打开，数据库路径: %s", dbPath)
	return manager, nil
}

// initDB 初始化数据库结构
func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{AddressBucket, RunBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// RecordAddress 覆盖地址的最近一次结果
func (m *Manager) RecordAddress(rec RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化运行记录失败: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(AddressBucket))
		if bucket == nil {
			return fmt.Errorf("地址存储桶不存在")
		}
		return bucket.Put([]byte(rec.Address), data)
	})
}

// RecordRun 追加一次运行汇总，按写入顺序编号
func (m *Manager) RecordRun(sum RunSummary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("序列化运行汇总失败: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(RunBucket))
		if bucket == nil {
			return fmt.Errorf("运行存储桶不存在")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("分配序号失败: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	})
}

// GetAddress 地址的最近一次结果
func (m *Manager) GetAddress(address string) (*RunRecord, bool, error) {
	var rec *RunRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(AddressBucket)).Get([]byte(address))
		if data == nil {
			return nil
		}
		rec = &RunRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("读取运行记录失败: %w", err)
	}
	return rec, rec != nil, nil
}

// ListAddresses 所有地址的最近结果，按地址排序
func (m *Manager) ListAddresses() ([]RunRecord, error) {
	records := []RunRecord{}
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(AddressBucket)).ForEach(func(k, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				m.logger.Warnf("跳过损坏的运行记录 %s: %v", k, err)
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("读取运行记录失败: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })
	return records, nil
}

// RecentRuns 最近的运行汇总，最新在前
func (m *Manager) RecentRuns(limit int) ([]RunSummary, error) {
	runs := []RunSummary{}
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(RunBucket)).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(runs) < limit); k, v = c.Prev() {
			var sum RunSummary
			if err := json.Unmarshal(v, &sum); err != nil {
				continue
			}
			runs = append(runs, sum)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("读取运行汇总失败: %w", err)
	}
	return runs, nil
}

// Reset 清空运行历史
func (m *Manager) Reset() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{AddressBucket, RunBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDBPath 获取数据库路径
func (m *Manager) GetDBPath() string {
	return m.dbPath
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	stats := map[string]interface{}{"db_path": m.dbPath}
	m.db.View(func(tx *bolt.Tx) error {
		stats["addresses"] = tx.Bucket([]byte(AddressBucket)).Stats().KeyN
		stats["runs"] = tx.Bucket([]byte(RunBucket)).Stats().KeyN
		return nil
	})
	return stats
}

// Close 关闭数据库
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
