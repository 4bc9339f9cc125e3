package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"signal-engine/pkg/exchanges/common"
)

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// Binance error codes that decide classification. Anything authentication
// shaped poisons the credential; business rejections are final; the rest of
// the 4xx space plus 5xx/429/418 is handled by the generic HTTP mapping.
const (
	codeTooManyRequests  = -1003
	codeTimestampOutside = -1021
	codeInvalidSignature = -1022
	codeBadSymbol        = -1121
	codeRejectedAPIKey   = -2014
	codeInvalidAPIKey    = -2015
	codeMarginTooLow     = -2019
	codeMinNotional      = -4164
)

func classify(httpStatus int, body []byte) error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == 0 {
		return common.ClassifyHTTP(httpStatus, string(body))
	}

	switch payload.Code {
	case codeInvalidSignature, codeRejectedAPIKey, codeInvalidAPIKey:
		return common.NewError(common.KindFatalCredential, payload.Code, payload.Msg, nil)
	case codeMarginTooLow, codeBadSymbol, codeMinNotional:
		return common.NewError(common.KindFatalOrder, payload.Code, payload.Msg, nil)
	case codeTooManyRequests, codeTimestampOutside:
		// Timestamp drift heals on retry once the clock offset is applied.
		return common.NewError(common.KindRetryable, payload.Code, payload.Msg, nil)
	}
	if httpStatus >= 500 || httpStatus == 429 || httpStatus == 418 {
		return common.NewError(common.KindRetryable, payload.Code, payload.Msg, nil)
	}
	return common.NewError(common.KindFatalOrder, payload.Code, payload.Msg, nil)
}
