package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crash/internal/game"
)

const (
	REDIS_KEY_USER_BALANCE = "crash:balance:"
	REDIS_KEY_TRANSACTION  = "crash:tx:"

	// how long a settled idempotency key is remembered
	transactionTTL = 7 * 24 * time.Hour
)

// adjustScript applies a balance delta at most once per idempotency key.
// Replays return the balance recorded by the first application. A debit that
// would go negative changes nothing and reports {0, balance}. The key keeps
// the resulting balance and the amount moved.
var adjustScript = redis.NewScript(`
local done = redis.call('HGET', KEYS[2], 'balance')
if done then
  return {1, tonumber(done)}
end
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
if balance + delta < 0 then
  return {0, balance}
end
local updated = redis.call('INCRBY', KEYS[1], delta)
redis.call('HSET', KEYS[2], 'balance', updated, 'amount', math.abs(delta))
redis.call('EXPIRE', KEYS[2], ARGV[2])
return {1, updated}
`)

// Ledger keeps player balances in Redis as integer minor units.
type Ledger struct {
	client *redis.Client
}

func NewLedger(client *redis.Client) *Ledger {
	return &Ledger{client: client}
}

func balanceKey(playerID string) string { return REDIS_KEY_USER_BALANCE + playerID }

func transactionKey(roundID, playerID string, reason game.TxReason) string {
	return REDIS_KEY_TRANSACTION + game.IdempotencyKey(roundID, playerID, reason)
}

func (l *Ledger) Debit(ctx context.Context, playerID string, amount int64, reason game.TxReason, roundID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit %d: amount must be positive", amount)
	}
	return l.adjust(ctx, playerID, -amount, reason, roundID)
}

func (l *Ledger) Credit(ctx context.Context, playerID string, amount int64, reason game.TxReason, roundID string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit %d: amount must not be negative", amount)
	}
	return l.adjust(ctx, playerID, amount, reason, roundID)
}

func (l *Ledger) adjust(ctx context.Context, playerID string, delta int64, reason game.TxReason, roundID string) (int64, error) {
	keys := []string{balanceKey(playerID), transactionKey(roundID, playerID, reason)}
	res, err := adjustScript.Run(ctx, l.client, keys, delta, int64(transactionTTL/time.Second)).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("balance %s %s: %w", reason, playerID, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("balance %s %s: unexpected script reply %v", reason, playerID, res)
	}
	if res[0] == 0 {
		return res[1], game.ErrInsufficientFunds
	}
	return res[1], nil
}

func (l *Ledger) Balance(ctx context.Context, playerID string) (int64, error) {
	balance, err := l.client.Get(ctx, balanceKey(playerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", playerID, err)
	}
	return balance, nil
}

// Transaction reports the amount moved under the idempotency key, if any.
func (l *Ledger) Transaction(ctx context.Context, playerID string, reason game.TxReason, roundID string) (int64, bool, error) {
	amount, err := l.client.HGet(ctx, transactionKey(roundID, playerID, reason), "amount").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("transaction %s %s: %w", reason, playerID, err)
	}
	return amount, true, nil
}

// SetBalance overwrites a balance outside the idempotent path. It backs the
// development top-up route only.
func (l *Ledger) SetBalance(ctx context.Context, playerID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("set balance %d: amount must not be negative", amount)
	}
	return l.client.Set(ctx, balanceKey(playerID), amount, 0).Err()
}
