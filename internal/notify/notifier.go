package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Notification kinds dispatched by the wallet engine.
const (
	KindLedgerEntry         = "LEDGER_ENTRY"
	KindDepositCompleted    = "DEPOSIT_COMPLETED"
	KindGiftReceived        = "GIFT_RECEIVED"
	KindSubscriptionRenewed = "SUBSCRIPTION_RENEWED"
	KindSubscriptionExpired = "SUBSCRIPTION_EXPIRED"
	KindExpiryReminder      = "EXPIRY_REMINDER"
	KindWithdrawalPaid      = "WITHDRAWAL_PAID"
	KindWithdrawalRejected  = "WITHDRAWAL_REJECTED"
)

// Notifier is a fire-and-forget sink. Delivery failures are logged and
// swallowed; they must never roll back a ledger mutation.
type Notifier interface {
	Notify(accountID, kind string, payload map[string]interface{})
}

// QueueNotifier pushes notification envelopes onto a Redis list consumed by
// the platform's messaging workers.
type QueueNotifier struct {
	redis *redis.Client
	queue string
}

func NewQueueNotifier(rdb *redis.Client) *QueueNotifier {
	return &QueueNotifier{redis: rdb, queue: "wallet_notifications"}
}

func (n *QueueNotifier) Notify(accountID, kind string, payload map[string]interface{}) {
	if n.redis == nil {
		log.Printf("[NOTIFY] %s for account %s (redis unavailable, dropped)", kind, accountID)
		return
	}

	envelope := map[string]interface{}{
		"account_id": accountID,
		"kind":       kind,
		"payload":    payload,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("[NOTIFY] Failed to marshal %s notification: %v", kind, err)
		return
	}

	if err := n.redis.RPush(context.Background(), n.queue, string(data)).Err(); err != nil {
		log.Printf("[NOTIFY] Failed to queue %s notification for %s: %v", kind, accountID, err)
	}
}

// NopNotifier discards everything. Test helper and fallback.
type NopNotifier struct{}

func (NopNotifier) Notify(accountID, kind string, payload map[string]interface{}) {}
