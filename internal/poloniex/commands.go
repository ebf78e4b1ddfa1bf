package poloniex

import (
	"net/url"
	"strconv"
	"time"
)

// PublicCommand names an unauthenticated endpoint under /public.
type PublicCommand string

const (
	CmdReturnTicker       PublicCommand = "returnTicker"
	CmdReturn24hVolume    PublicCommand = "return24hVolume"
	CmdReturnOrderBook    PublicCommand = "returnOrderBook"
	CmdReturnTradeHistory PublicCommand = "returnTradeHistory"
	CmdReturnChartData    PublicCommand = "returnChartData"
	CmdReturnCurrencies   PublicCommand = "returnCurrencies"
	CmdReturnLoanOrders   PublicCommand = "returnLoanOrders"
)

// TradingCommand names an authenticated endpoint under /tradingApi.
type TradingCommand string

const (
	CmdReturnBalances                TradingCommand = "returnBalances"
	CmdReturnCompleteBalances        TradingCommand = "returnCompleteBalances"
	CmdReturnDepositAddresses        TradingCommand = "returnDepositAddresses"
	CmdGenerateNewAddress            TradingCommand = "generateNewAddress"
	CmdReturnDepositsWithdrawals     TradingCommand = "returnDepositsWithdrawals"
	CmdReturnOpenOrders              TradingCommand = "returnOpenOrders"
	CmdReturnPrivateTradeHistory     TradingCommand = "returnTradeHistory"
	CmdReturnOrderTrades             TradingCommand = "returnOrderTrades"
	CmdBuy                           TradingCommand = "buy"
	CmdSell                          TradingCommand = "sell"
	CmdCancelOrder                   TradingCommand = "cancelOrder"
	CmdMoveOrder                     TradingCommand = "moveOrder"
	CmdWithdraw                      TradingCommand = "withdraw"
	CmdReturnFeeInfo                 TradingCommand = "returnFeeInfo"
	CmdReturnAvailableAccountBalance TradingCommand = "returnAvailableAccountBalances"
	CmdReturnTradableBalances        TradingCommand = "returnTradableBalances"
	CmdTransferBalance               TradingCommand = "transferBalance"
	CmdReturnMarginAccountSummary    TradingCommand = "returnMarginAccountSummary"
	CmdMarginBuy                     TradingCommand = "marginBuy"
	CmdMarginSell                    TradingCommand = "marginSell"
	CmdGetMarginPosition             TradingCommand = "getMarginPosition"
	CmdCloseMarginPosition           TradingCommand = "closeMarginPosition"
	CmdCreateLoanOffer               TradingCommand = "createLoanOffer"
	CmdCancelLoanOffer               TradingCommand = "cancelLoanOffer"
	CmdReturnOpenLoanOffers          TradingCommand = "returnOpenLoanOffers"
	CmdReturnActiveLoans             TradingCommand = "returnActiveLoans"
	CmdReturnLendingHistory          TradingCommand = "returnLendingHistory"
	CmdToggleAutoRenew               TradingCommand = "toggleAutoRenew"
)

// Param is a request parameter name understood by the exchange.
type Param string

const (
	ParamAccount           Param = "account"
	ParamAddress           Param = "address"
	ParamAmount            Param = "amount"
	ParamAutoRenew         Param = "autoRenew"
	ParamCommand           Param = "command"
	ParamCurrency          Param = "currency"
	ParamCurrencyPair      Param = "currencyPair"
	ParamDepth             Param = "depth"
	ParamDuration          Param = "duration"
	ParamEnd               Param = "end"
	ParamFillOrKill        Param = "fillOrKill"
	ParamFromAccount       Param = "fromAccount"
	ParamImmediateOrCancel Param = "immediateOrCancel"
	ParamLendingRate       Param = "lendingRate"
	ParamLimit             Param = "limit"
	ParamNonce             Param = "nonce"
	ParamOrderNumber       Param = "orderNumber"
	ParamPaymentID         Param = "paymentId"
	ParamPeriod            Param = "period"
	ParamPostOnly          Param = "postOnly"
	ParamRate              Param = "rate"
	ParamStart             Param = "start"
	ParamToAccount         Param = "toAccount"
)

// Params is an ordered-on-encode set of request parameters.
type Params map[Param]string

// Set stores a string value and returns p for chaining.
func (p Params) Set(key Param, value string) Params {
	p[key] = value
	return p
}

// SetTime stores t as UNIX seconds.
func (p Params) SetTime(key Param, t time.Time) Params {
	p[key] = strconv.FormatInt(t.Unix(), 10)
	return p
}

// SetInt stores an integer value.
func (p Params) SetInt(key Param, v int64) Params {
	p[key] = strconv.FormatInt(v, 10)
	return p
}

// SetFloat stores a float value without exponent notation.
func (p Params) SetFloat(key Param, v float64) Params {
	p[key] = strconv.FormatFloat(v, 'f', -1, 64)
	return p
}

// Values converts the params to url.Values. Encode sorts keys, which keeps
// signed bodies deterministic.
func (p Params) Values() url.Values {
	values := make(url.Values, len(p))
	for k, v := range p {
		values.Set(string(k), v)
	}
	return values
}
