package indexer

import (
	"time"

	"github.com/shopspring/decimal"

	"txindexer/internal/classify"
	"txindexer/internal/flow"
	"txindexer/internal/ledger"
	"txindexer/internal/price"
	"txindexer/pkg/models"
)

// 输出精度
const (
	ethPlaces      = 18
	tokenPlaces    = 8
	usdPlaces      = 2
	fineUSDPlaces  = 6
	dateLayout     = "2006-01-02 15:04:05 UTC"
	tagProtocolFee = "uniswap_protocol_fee"
)

// classified 展平后的行及其账本条目
type classified struct {
	row   models.TxRow
	entry ledger.Entry
}

func f64(d decimal.Decimal, places int32) float64 {
	v, _ := d.Round(places).Float64()
	return v
}

func ptr(d decimal.Decimal, places int32) *float64 {
	v := f64(d, places)
	return &v
}

// flatten 把类别结构展平为统一行，价格不可用时所有USD字段为nil
func flatten(address string, p flow.Pair, trade classify.Trade, quote price.Quote) classified {
	eth, tok := p.Eth, p.Token
	ts := p.Timestamp()

	tokenIn := tok.TokenIn.Round(tokenPlaces)
	tokenOut := tok.TokenOut.Round(tokenPlaces)
	ethIn := eth.EthIn.Round(ethPlaces)
	ethOut := eth.EthOut.Round(ethPlaces)
	gas := eth.GasEth.Round(ethPlaces)
	netEth := ethIn.Sub(ethOut).Sub(gas)

	row := models.TxRow{
		Address:     address,
		TxHash:      p.Hash,
		Block:       p.Block(),
		Timestamp:   ts,
		From:        firstNonEmpty(eth.From, tok.LastFrom),
		To:          firstNonEmpty(eth.To, tok.LastTo),
		EthIn:       f64(ethIn, ethPlaces),
		EthOut:      f64(ethOut, ethPlaces),
		GasFeeEth:   f64(gas, ethPlaces),
		NetEth:      f64(netEth, ethPlaces),
		TokenIn:     f64(tokenIn, tokenPlaces),
		TokenOut:    f64(tokenOut, tokenPlaces),
		TradeType:   trade.Kind(),
		TaxRate:     f64(trade.Rate(), fineUSDPlaces),
		TaxTokenEst: f64(trade.TaxToken(), tokenPlaces),
		PriceSource: quote.Source,
	}
	if ts > 0 {
		row.DateUTC = time.Unix(ts, 0).UTC().Format(dateLayout)
	}

	sources := p.Sources()
	if tok.StakeTag != flow.StakeNone {
		sources.Add(string(tok.StakeTag))
	}

	available := quote.Available()
	px := quote.Price
	ethOutUSD := eth.EthOut.Mul(px)
	ethInUSD := eth.EthIn.Mul(px)
	if available {
		row.EthUSD = ptr(px, fineUSDPlaces)
		row.EthInUSD = ptr(ethInUSD, usdPlaces)
		row.EthOutUSD = ptr(ethOutUSD, usdPlaces)
		row.GasFeeUSD = ptr(eth.GasEth.Mul(px), usdPlaces)
		row.NetUSD = ptr(eth.EthIn.Sub(eth.EthOut).Sub(eth.GasEth).Mul(px), usdPlaces)
		row.TaxUSDEst = ptr(decimal.Zero, fineUSDPlaces)
	}

	switch t := trade.(type) {
	case classify.Buy:
		row.Refined = t.Refined
		var unit *decimal.Decimal
		if gross := t.Gross(); available && gross.IsPositive() {
			u := ethOutUSD.Div(gross)
			unit = &u
		}
		if unit != nil {
			row.UnitPriceUSD = ptr(*unit, fineUSDPlaces)
			row.TaxUSDEst = ptr(t.TaxToken().Mul(*unit), fineUSDPlaces)
		}
		if t.Refined {
			row.GrossFromPoolToken = ptr(t.GrossFromPool, tokenPlaces)
			if t.RouterFee.IsPositive() {
				sources.Add(tagProtocolFee)
				row.RouterFeeToken = ptr(t.RouterFee, tokenPlaces)
				if unit != nil {
					row.RouterFeeUSD = ptr(t.RouterFee.Mul(*unit), fineUSDPlaces)
				}
			}
		}
	case classify.Sell:
		if available && t.Sent.IsPositive() {
			unit := ethInUSD.Div(t.Sent)
			row.UnitPriceUSD = ptr(unit, fineUSDPlaces)
			row.TaxUSDEst = ptr(t.TaxEstimate.Mul(unit), fineUSDPlaces)
		}
	}
	row.TagSources = sources.Join()

	return classified{
		row: row,
		entry: ledger.Entry{
			Address:   address,
			TxHash:    p.Hash,
			Block:     row.Block,
			Timestamp: ts,
			Type:      trade.Kind(),
			EthIn:     ethIn,
			EthOut:    ethOut,
			GasEth:    gas,
			TokenIn:   tokenIn,
			TokenOut:  tokenOut,
		},
	}
}

// annotate 写入重放后的余额
func annotate(row *models.TxRow, b ledger.Balances) {
	row.EthBalanceAfter = f64(b.Eth, ledger.BalancePlaces)
	row.TokenWalletAfter = f64(b.Wallet, ledger.BalancePlaces)
	row.TokenStakedAfter = f64(b.Staked, ledger.BalancePlaces)
	row.TokenOwnedAfter = f64(b.Owned, ledger.BalancePlaces)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
