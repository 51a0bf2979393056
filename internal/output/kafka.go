package output

import (
	"encoding/json"
	"fmt"
	"time"

	"txindexer/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaOutput Kafka输出器，消息键为地址以保持同一地址的顺序
type KafkaOutput struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.SyncProducer
	sent     int64
}

// NewKafkaConfig 生产者配置
func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topic string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v, topic: %s", brokers, topic)

	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topic, logger), nil
}

// NewKafkaOutputWithProducer 使用已有生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaOutput {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KafkaOutput{logger: logger, topic: topic, producer: producer}
}

// WriteRows 逐行发送
func (k *KafkaOutput) WriteRows(rows []models.TxRow) error {
	for i := range rows {
		row := &rows[i]
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("序列化数据失败: %w", err)
		}

		msg := &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(row.Address),
			Value: sarama.ByteEncoder(data),
		}

		partition, offset, err := k.producer.SendMessage(msg)
		if err != nil {
			return fmt.Errorf("发送消息到Kafka失败: %w", err)
		}
		k.sent++
		k.logger.Debugf("已发送 %s 到 topic '%s' (partition: %d, offset: %d)", row.TxHash, k.topic, partition, offset)
	}
	return nil
}

// GetStats 获取统计信息
func (k *KafkaOutput) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"topic": k.topic,
		"sent":  k.sent,
	}
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
