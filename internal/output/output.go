package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"txindexer/internal/config"
	"txindexer/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 行输出接口
type Output interface {
	WriteRows(rows []models.TxRow) error
	Close() error
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		cfg = config.GetDefaultConfig().Output
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	switch strings.ToLower(cfg.Format) {
	case "kafka":
		if cfg.Kafka == nil {
			return nil, fmt.Errorf("缺少Kafka配置")
		}
		return NewKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("缺少Postgres配置")
		}
		return NewPostgresOutput(cfg.Postgres.DSN, cfg.Postgres.Table, logger)
	case "json", "csv":
		return NewFileOutput(cfg.Directory, strings.ToLower(cfg.Format))
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// FileOutput 文件输出：json 为每行一个对象，csv 带表头
type FileOutput struct {
	path   string
	format string
	file   *os.File
	csv    *csv.Writer
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputDir, format string) (*FileOutput, error) {
	if format != "json" && format != "csv" {
		return nil, fmt.Errorf("不支持的文件格式: %s", format)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(outputDir, fmt.Sprintf("transactions_%s.%s", timestamp, format))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("创建交易文件失败: %w", err)
	}

	out := &FileOutput{path: path, format: format, file: file}
	if format == "csv" {
		out.csv = csv.NewWriter(file)
		if err := out.csv.Write(Header()); err != nil {
			file.Close()
			return nil, fmt.Errorf("写入表头失败: %w", err)
		}
	}
	return out, nil
}

// Path 输出文件路径
func (o *FileOutput) Path() string {
	return o.path
}

// WriteRows 写入行
func (o *FileOutput) WriteRows(rows []models.TxRow) error {
	for i := range rows {
		if err := o.writeRow(&rows[i]); err != nil {
			return err
		}
	}
	if o.csv != nil {
		o.csv.Flush()
		if err := o.csv.Error(); err != nil {
			return fmt.Errorf("写入CSV失败: %w", err)
		}
	}

	// 强制刷新到磁盘
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("刷新交易文件失败: %w", err)
	}
	return nil
}

func (o *FileOutput) writeRow(row *models.TxRow) error {
	if o.csv != nil {
		if err := o.csv.Write(Record(row)); err != nil {
			return fmt.Errorf("写入CSV失败: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("序列化交易数据失败: %w", err)
	}
	data = append(data, '\n')
	if _, err := o.file.Write(data); err != nil {
		return fmt.Errorf("写入交易文件失败: %w", err)
	}
	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	if o.file == nil {
		return nil
	}
	if o.csv != nil {
		o.csv.Flush()
	}
	if err := o.file.Close(); err != nil {
		return fmt.Errorf("关闭交易文件失败: %w", err)
	}
	o.file = nil
	return nil
}
