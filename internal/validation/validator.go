package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"txindexer/internal/errors"
	"txindexer/internal/ledger"
	"txindexer/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var hashRegex = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")

// balanceTolerance 行内浮点余额比较容差
const balanceTolerance = 1e-6

// Validator 输入与输出数据验证器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式下警告也视为失败
	stats      *errors.ErrorStats
	rules      map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                 `json:"valid"`
	Errors   []*errors.IndexError `json:"errors,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
	DataType string               `json:"data_type"`
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		stats:      errors.NewErrorStats(),
		rules:      make(map[string]ValidationRule),
	}

	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())
	v.AddRule(NewTradeTypeValidationRule())

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// FilterAddresses 过滤输入地址：去空白、转小写、去重，返回有效与被拒绝的地址
func (v *Validator) FilterAddresses(inputs []string) (valid []string, rejected []string) {
	seen := make(map[string]struct{}, len(inputs))
	for _, raw := range inputs {
		addr := strings.ToLower(strings.TrimSpace(raw))
		if addr == "" {
			continue
		}
		if err := v.rules["address"].Validate(addr); err != nil {
			v.logger.Warnf("忽略无效地址: %s", raw)
			rejected = append(rejected, raw)
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		valid = append(valid, addr)
	}
	return valid, rejected
}

// ValidateRow 验证单个输出行
func (v *Validator) ValidateRow(row *models.TxRow) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "row"}
	if row == nil {
		result.Valid = false
		result.Errors = append(result.Errors, errors.NewIndexError(errors.ErrorTypeValidation,
			errors.SeverityMedium, "EMPTY_ROW", "行为空"))
		return result
	}

	fail := func(err error) {
		result.Valid = false
		ie, ok := err.(*errors.IndexError)
		if !ok {
			ie = errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityMedium,
				"ROW_VALIDATION_FAILED", "行验证失败")
		}
		result.Errors = append(result.Errors, ie.WithTxHash(row.TxHash).WithAddress(row.Address))
		v.stats.RecordError(row.Address, ie)
	}

	if err := v.rules["hash"].Validate(row.TxHash); err != nil {
		fail(err)
	}
	if err := v.rules["address"].Validate(row.Address); err != nil {
		fail(err)
	}
	if err := v.rules["trade_type"].Validate(row.TradeType); err != nil {
		fail(err)
	}

	if math.Abs(row.TokenOwnedAfter-(row.TokenWalletAfter+row.TokenStakedAfter)) > balanceTolerance {
		fail(errors.NewIndexError(errors.ErrorTypeValidation, errors.SeverityHigh,
			"OWNED_MISMATCH", "持有量不等于钱包与质押之和"))
	}

	for name, amount := range map[string]float64{
		"eth_in": row.EthIn, "eth_out": row.EthOut, "gas_fee_eth": row.GasFeeEth,
		"token_in": row.TokenIn, "token_out": row.TokenOut,
	} {
		if amount < 0 {
			fail(errors.NewIndexError(errors.ErrorTypeValidation, errors.SeverityMedium,
				"NEGATIVE_AMOUNT", fmt.Sprintf("字段 %s 为负数", name)))
		}
	}

	if !row.PriceAvailable() && row.EthUSD != nil {
		result.Warnings = append(result.Warnings, "价格不可用但存在USD字段")
	}
	if v.strictMode && len(result.Warnings) > 0 {
		result.Valid = false
	}
	return result
}

// ValidateLedger 验证重放结果：持有量恒等式，以及质押/解押不改变持有量
func (v *Validator) ValidateLedger(steps []ledger.Step) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "ledger"}
	prevOwned := make(map[string]ledger.Balances)

	for _, step := range steps {
		after := step.After
		if !after.Owned.Equal(after.Wallet.Add(after.Staked)) {
			result.Valid = false
			result.Errors = append(result.Errors, errors.NewIndexError(errors.ErrorTypeValidation,
				errors.SeverityHigh, "OWNED_MISMATCH", "持有量不等于钱包与质押之和").
				WithTxHash(step.Entry.TxHash).WithAddress(step.Entry.Address))
		}

		prev, seen := prevOwned[step.Entry.Address]
		switch step.Entry.Type {
		case models.TradeStake, models.TradeUnstake:
			if seen && !prev.Owned.Equal(after.Owned) {
				result.Valid = false
				result.Errors = append(result.Errors, errors.NewIndexError(errors.ErrorTypeValidation,
					errors.SeverityHigh, "STAKE_CHANGED_OWNED", "质押操作改变了持有量").
					WithTxHash(step.Entry.TxHash).WithAddress(step.Entry.Address))
			}
		}
		prevOwned[step.Entry.Address] = after
	}

	for _, e := range result.Errors {
		v.stats.RecordError(derefOr(e.Address), e)
	}
	return result
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证地址格式，要求0x前缀
func isValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	return common.IsHexAddress(addr)
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidAddress(addr) {
		return errors.NewIndexError(errors.ErrorTypeValidation, errors.SeverityHigh,
			"INVALID_ADDRESS_FORMAT", "地址格式无效")
	}

	return nil
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "交易哈希验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidHash(hash) {
		return errors.NewIndexError(errors.ErrorTypeValidation, errors.SeverityHigh,
			"INVALID_HASH_FORMAT", "哈希格式无效")
	}

	return nil
}

// TradeTypeValidationRule 交易类别验证规则
type TradeTypeValidationRule struct{}

func NewTradeTypeValidationRule() *TradeTypeValidationRule {
	return &TradeTypeValidationRule{}
}

func (r *TradeTypeValidationRule) Name() string {
	return "trade_type"
}

func (r *TradeTypeValidationRule) Description() string {
	return "交易类别验证规则"
}

func (r *TradeTypeValidationRule) Validate(data interface{}) error {
	t, ok := data.(models.TradeType)
	if !ok {
		return fmt.Errorf("数据类型不是交易类别")
	}
	if !models.IsKnownTradeType(t) {
		return errors.NewIndexError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"UNKNOWN_TRADE_TYPE", fmt.Sprintf("未知的交易类别: %s", t))
	}
	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.stats.Summary(),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
