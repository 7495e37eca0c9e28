package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hallgrove/marketd/internal/domain"
	"github.com/redis/go-redis/v9"
)

// defaultStreamMaxLen bounds the journal mirror stream via XADD MAXLEN ~.
const defaultStreamMaxLen int64 = 10000

const tokenStream = "tokens:journal"

// TokenJournal implements domain.TokenJournal on Redis. Each token is a JSON
// value under its token id, and every Put is mirrored onto a capped stream so
// out-of-process auditors can follow the buyout lifecycle:
//
//	token:{id}     - JSON-serialized TradeToken
//	tokens:journal - stream of token snapshots (XADD MAXLEN ~)
//
// Put enforces the monotonic status invariant inside a WATCH transaction: a
// terminal token never goes back to processing, and re-publishing the same
// terminal state is an idempotent no-op.
type TokenJournal struct {
	rdb          *redis.Client
	streamMaxLen int64
}

// NewTokenJournal creates a TokenJournal backed by the given Client.
func NewTokenJournal(c *Client) *TokenJournal {
	return &TokenJournal{rdb: c.Underlying(), streamMaxLen: defaultStreamMaxLen}
}

// NewTokenJournalWithMaxLen creates a TokenJournal with a custom cap on the
// mirror stream length.
func NewTokenJournalWithMaxLen(c *Client, maxLen int64) *TokenJournal {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &TokenJournal{rdb: c.Underlying(), streamMaxLen: maxLen}
}

func tokenKey(id string) string { return "token:" + id }

// Put writes the token and appends a snapshot to the journal stream. It
// returns domain.ErrStatusRegression when the stored token is already
// terminal and the write would change its status.
func (j *TokenJournal) Put(ctx context.Context, token domain.TradeToken) error {
	key := tokenKey(token.ID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis: read token %s: %w", token.ID, err)
		}
		if err == nil {
			var old domain.TradeToken
			if err := json.Unmarshal(data, &old); err != nil {
				return fmt.Errorf("redis: unmarshal token %s: %w", token.ID, err)
			}
			if old.Status.Terminal() {
				if old.Status == token.Status {
					return nil // idempotent re-publish
				}
				return domain.ErrStatusRegression
			}
		}

		payload, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("redis: marshal token %s: %w", token.ID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: tokenStream,
				MaxLen: j.streamMaxLen,
				Approx: true,
				Values: map[string]interface{}{"payload": payload},
			})
			return nil
		})
		return err
	}

	err := j.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent writer moved the token; re-check rather than clobber.
		return domain.ErrLostRace
	}
	return err
}

// Get retrieves a token by id, or domain.ErrNotFound.
func (j *TokenJournal) Get(ctx context.Context, id string) (domain.TradeToken, error) {
	data, err := j.rdb.Get(ctx, tokenKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TradeToken{}, domain.ErrNotFound
		}
		return domain.TradeToken{}, fmt.Errorf("redis: get token %s: %w", id, err)
	}

	var token domain.TradeToken
	if err := json.Unmarshal(data, &token); err != nil {
		return domain.TradeToken{}, fmt.Errorf("redis: unmarshal token %s: %w", id, err)
	}
	return token, nil
}

// ListByStatus scans the token keyspace and returns every token currently in
// the given status. The recovery pass uses this with TokenProcessing to find
// transactions interrupted by a crash.
func (j *TokenJournal) ListByStatus(ctx context.Context, status domain.TokenStatus) ([]domain.TradeToken, error) {
	var keys []string
	iter := j.rdb.Scan(ctx, 0, tokenKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan tokens: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := j.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget tokens: %w", err)
	}

	var tokens []domain.TradeToken
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var t domain.TradeToken
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if t.Status == status {
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}

// Compile-time interface check.
var _ domain.TokenJournal = (*TokenJournal)(nil)
