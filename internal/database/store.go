package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crash/internal/game"
)

const upsertRound = `
INSERT INTO rounds (id, phase, private_seed, private_hash, public_seed, crash_point,
                    started_at, duration_ms, created_at, ended_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (id) DO UPDATE SET
    phase       = EXCLUDED.phase,
    public_seed = EXCLUDED.public_seed,
    crash_point = EXCLUDED.crash_point,
    started_at  = EXCLUDED.started_at,
    duration_ms = EXCLUDED.duration_ms,
    ended_at    = EXCLUDED.ended_at,
    updated_at  = NOW()`

const upsertBet = `
INSERT INTO bets (round_id, player_id, bet_id, amount, auto_cashout, status,
                  stopped_at, winning_amount, cashout_trigger, placed_at, settled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (round_id, player_id) DO UPDATE SET
    status          = EXCLUDED.status,
    stopped_at      = EXCLUDED.stopped_at,
    winning_amount  = EXCLUDED.winning_amount,
    cashout_trigger = EXCLUDED.cashout_trigger,
    settled_at      = EXCLUDED.settled_at`

const selectRounds = `
SELECT id, phase, private_seed, private_hash, public_seed, crash_point,
       started_at, duration_ms, created_at, ended_at
FROM rounds`

const selectBets = `
SELECT round_id, bet_id, player_id, amount, auto_cashout, status, stopped_at,
       winning_amount, cashout_trigger, placed_at, settled_at
FROM bets
WHERE round_id = ANY($1)
ORDER BY placed_at, bet_id`

// RoundStore persists round snapshots, one row per round and one per bet.
type RoundStore struct {
	pool *pgxpool.Pool
}

func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

// Save upserts the round and all of its bets in one transaction, so a reader
// never sees a round whose bets belong to an older snapshot.
func (s *RoundStore) Save(ctx context.Context, rec game.RoundRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertRound,
			rec.ID, string(rec.Phase), rec.PrivateSeed, rec.PrivateHash, rec.PublicSeed,
			int64(rec.CrashPoint), nullTime(rec.StartedAt), rec.DurationMs, rec.CreatedAt,
			nullTime(rec.EndedAt),
		); err != nil {
			return fmt.Errorf("save round %s: %w", rec.ID, err)
		}

		if len(rec.Bets) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, b := range rec.Bets {
			batch.Queue(upsertBet,
				rec.ID, b.PlayerID, b.ID, b.Amount, int64(b.AutoCashOut), string(b.Status),
				int64(b.StoppedAt), b.WinningAmount, string(b.Trigger), b.PlacedAt,
				nullTime(b.SettledAt),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save bets of round %s: %w", rec.ID, err)
		}
		return nil
	})
}

func (s *RoundStore) FindInProgress(ctx context.Context) ([]game.RoundRecord, error) {
	rows, err := s.pool.Query(ctx, selectRounds+`
WHERE phase IN ('STARTING', 'BETTING', 'BLOCKING', 'PLAYING')
ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("find in-progress rounds: %w", err)
	}
	rounds, err := pgx.CollectRows(rows, scanRound)
	if err != nil {
		return nil, fmt.Errorf("find in-progress rounds: %w", err)
	}
	if err := s.attachBets(ctx, rounds); err != nil {
		return nil, err
	}
	return rounds, nil
}

func (s *RoundStore) Find(ctx context.Context, roundID string) (game.RoundRecord, error) {
	rows, err := s.pool.Query(ctx, selectRounds+` WHERE id = $1`, roundID)
	if err != nil {
		return game.RoundRecord{}, fmt.Errorf("find round %s: %w", roundID, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRound)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.RoundRecord{}, game.ErrRoundNotFound
	}
	if err != nil {
		return game.RoundRecord{}, fmt.Errorf("find round %s: %w", roundID, err)
	}

	rounds := []game.RoundRecord{rec}
	if err := s.attachBets(ctx, rounds); err != nil {
		return game.RoundRecord{}, err
	}
	return rounds[0], nil
}

// Recent returns the latest finished rounds, newest first.
func (s *RoundStore) Recent(ctx context.Context, limit int) ([]game.RoundRecord, error) {
	rows, err := s.pool.Query(ctx, selectRounds+`
WHERE phase IN ('ENDED', 'REFUNDED')
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent rounds: %w", err)
	}
	rounds, err := pgx.CollectRows(rows, scanRound)
	if err != nil {
		return nil, fmt.Errorf("recent rounds: %w", err)
	}
	if err := s.attachBets(ctx, rounds); err != nil {
		return nil, err
	}
	return rounds, nil
}

func (s *RoundStore) attachBets(ctx context.Context, rounds []game.RoundRecord) error {
	if len(rounds) == 0 {
		return nil
	}
	ids := make([]string, len(rounds))
	index := make(map[string]int, len(rounds))
	for i, r := range rounds {
		ids[i] = r.ID
		index[r.ID] = i
		rounds[i].Bets = []game.Bet{}
	}

	rows, err := s.pool.Query(ctx, selectBets, ids)
	if err != nil {
		return fmt.Errorf("load bets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roundID string
			b       game.Bet
			auto    int64
			stopped int64
			status  string
			trigger string
			settled *time.Time
		)
		if err := rows.Scan(&roundID, &b.ID, &b.PlayerID, &b.Amount, &auto, &status, &stopped,
			&b.WinningAmount, &trigger, &b.PlacedAt, &settled); err != nil {
			return fmt.Errorf("scan bet: %w", err)
		}
		b.AutoCashOut = game.Multiplier(auto)
		b.StoppedAt = game.Multiplier(stopped)
		b.Status = game.BetStatus(status)
		b.Trigger = game.Trigger(trigger)
		b.PlacedAt = b.PlacedAt.UTC()
		b.SettledAt = fromNull(settled)

		i := index[roundID]
		rounds[i].Bets = append(rounds[i].Bets, b)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load bets: %w", err)
	}
	return nil
}

func scanRound(row pgx.CollectableRow) (game.RoundRecord, error) {
	var (
		rec     game.RoundRecord
		phase   string
		crash   int64
		started *time.Time
		ended   *time.Time
	)
	err := row.Scan(&rec.ID, &phase, &rec.PrivateSeed, &rec.PrivateHash, &rec.PublicSeed, &crash,
		&started, &rec.DurationMs, &rec.CreatedAt, &ended)
	if err != nil {
		return game.RoundRecord{}, err
	}
	rec.Phase = game.Phase(phase)
	rec.CrashPoint = game.Multiplier(crash)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.StartedAt = fromNull(started)
	rec.EndedAt = fromNull(ended)
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNull(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
