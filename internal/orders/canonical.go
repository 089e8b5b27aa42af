package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"options-gateway/pkg/types"
)

// fieldAliases maps the spellings broker clients use in the wild onto
// the canonical parameter names. Unknown fields pass through lowercased.
var fieldAliases = map[string]string{
	"symbol":          "tradingsymbol",
	"trading_symbol":  "tradingsymbol",
	"tradingsymbol":   "tradingsymbol",
	"qty":             "quantity",
	"quantity":        "quantity",
	"side":            "transaction_type",
	"transactiontype": "transaction_type",
	"exchange":        "exchange",
	"product":         "product",
	"ordertype":       "order_type",
	"price":           "price",
	"triggerprice":    "trigger_price",
	"trigger_price":   "trigger_price",
	"validity":        "validity",
	"tag":             "tag",
}

// numericFields are normalized through decimal parsing so "50", "50.0"
// and "050" canonicalize identically.
var numericFields = map[string]bool{
	"quantity":      true,
	"price":         true,
	"trigger_price": true,
	"disclosed_qty": true,
}

// Canonicalize normalizes parameter names and numeric values and drops
// empty values. The result is what the idempotency key is computed over
// and what is sent upstream.
func Canonicalize(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		key := strings.ToLower(strings.TrimSpace(k))
		if canonical, ok := fieldAliases[key]; ok {
			key = canonical
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if numericFields[key] {
			if d, err := decimal.NewFromString(v); err == nil {
				v = d.String()
			}
		}
		if key == "transaction_type" || key == "exchange" || key == "product" || key == "order_type" || key == "validity" {
			v = strings.ToUpper(v)
		}
		out[key] = v
	}
	return out
}

// IdempotencyKey derives the deterministic task key from the operation,
// account and canonical parameters.
func IdempotencyKey(op types.OrderOperation, accountID string, canonical map[string]string) string {
	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(op))
	b.WriteByte('|')
	b.WriteString(accountID)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonical[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
