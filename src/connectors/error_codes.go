package connectors

import "fmt"

// SpotListingsErrorCodes maps the listings API status.error_code values to their names.
var SpotListingsErrorCodes = map[int]string{
	1001: "API_KEY_INVALID",               // key rejected
	1002: "API_KEY_MISSING",               // header absent
	1003: "API_KEY_PLAN_REQUIRES_PAYMENT", // plan inactive
	1004: "API_KEY_PLAN_PAYMENT_EXPIRED",  // billing lapsed
	1005: "API_KEY_REQUIRED",              // endpoint needs a key
	1006: "API_KEY_PLAN_NOT_AUTHORIZED",   // endpoint not in plan
	1007: "API_KEY_DISABLED",              // key disabled
	1008: "API_KEY_PLAN_MINUTE_RATE_LIMIT_REACHED",
	1009: "API_KEY_PLAN_DAILY_RATE_LIMIT_REACHED",
	1010: "API_KEY_PLAN_MONTHLY_RATE_LIMIT_REACHED",
	1011: "IP_RATE_LIMIT_REACHED",
}

// FXErrorTypes are the "error-type" values of the FX rates API that burn a key.
var FXErrorTypes = map[string]bool{
	"invalid-key":      true,
	"inactive-account": true,
	"quota-reached":    true,
}

// spotListingsKeyRejected reports whether a listings status code means the key must be retired.
// Every documented 10xx code is either an auth rejection or a rate limit.
func spotListingsKeyRejected(code int) bool {
	_, ok := SpotListingsErrorCodes[code]
	return ok
}

// GetSpotListingsErrorMsg returns a readable name for a listings status code.
func GetSpotListingsErrorMsg(code int) string {
	if msg, ok := SpotListingsErrorCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("UNKNOWN_LISTINGS_ERROR_%d", code)
}
