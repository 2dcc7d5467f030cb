package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid/v2"
)

const (
	PrefixSale          = "sale"
	PrefixStockMovement = "stkmv"
	PrefixCashMovement  = "cashmv"
	PrefixSession       = "regsess"
	PrefixCreditAccount = "credit"
	PrefixCreditEntry   = "crentry"
	PrefixAlert         = "alert"
	PrefixAudit         = "audit"
	PrefixPurchaseOrder = "po"
	PrefixIdempotency   = "idem"
	PrefixOutbox        = "outbox"
)

// New returns a K-sortable identifier of the form "prefix_suffix".
// Prefixes must be lowercase ASCII letters or underscores.
func New(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		return fallback(prefix)
	}
	return tid.String()
}

// Prefix returns the type prefix of an identifier produced by New.
func Prefix(id string) string {
	idx := strings.LastIndex(id, "_")
	if idx < 1 {
		return ""
	}
	return id[:idx]
}

func fallback(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%d%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
