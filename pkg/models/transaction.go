package models

import (
	"strconv"
	"strings"
)

// NormalTx 账户外部交易记录（提供方原样返回的字符串字段）
type NormalTx struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Gas             string `json:"gas"`
	GasPrice        string `json:"gasPrice"`
	GasUsed         string `json:"gasUsed"`
	IsError         string `json:"isError"`
	ContractAddress string `json:"contractAddress"`
}

// InternalTx 合约触发的内部转账记录，不单独计gas
type InternalTx struct {
	Hash        string `json:"hash"`
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Type        string `json:"type"`
	IsError     string `json:"isError"`
}

// TokenTx ERC20转账记录
type TokenTx struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	TokenDecimal    string `json:"tokenDecimal"`
	TokenSymbol     string `json:"tokenSymbol"`
}

// EventLog 原始事件日志，数值字段为十六进制
type EventLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TimeStamp       string   `json:"timeStamp"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
}

// ParseUint 解析十进制或0x前缀的十六进制整数，失败返回0
func ParseUint(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0
		}
		return v
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Block 区块号
func (t *NormalTx) Block() uint64 { return ParseUint(t.BlockNumber) }

// Time Unix秒
func (t *NormalTx) Time() int64 { return int64(ParseUint(t.TimeStamp)) }

// Block 区块号
func (t *InternalTx) Block() uint64 { return ParseUint(t.BlockNumber) }

// Time Unix秒
func (t *InternalTx) Time() int64 { return int64(ParseUint(t.TimeStamp)) }

// Block 区块号
func (t *TokenTx) Block() uint64 { return ParseUint(t.BlockNumber) }

// Time Unix秒
func (t *TokenTx) Time() int64 { return int64(ParseUint(t.TimeStamp)) }

// Block 区块号
func (l *EventLog) Block() uint64 { return ParseUint(l.BlockNumber) }
