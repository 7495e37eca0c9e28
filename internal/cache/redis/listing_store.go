package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hallgrove/marketd/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ListingStore implements domain.ListingStore on Redis. Each listing is a
// JSON value under its asset UUID; two index sets support queries:
//
//	listing:{uuid}          - JSON-serialized Listing, never deleted
//	listings:active         - set of UUIDs with Active == true
//	listings:seller:{id}    - set of the seller's active listing UUIDs
//
// CompareAndUpdate runs the caller's transform inside a WATCH/MULTI
// transaction, so a commit happens only if no other writer touched the key
// between the read and the EXEC. A lost race is reported as
// domain.ErrLostRace and is not retried here.
type ListingStore struct {
	rdb *redis.Client
}

// NewListingStore creates a ListingStore backed by the given Client.
func NewListingStore(c *Client) *ListingStore {
	return &ListingStore{rdb: c.Underlying()}
}

const activeSetKey = "listings:active"

func listingKey(uuid string) string { return "listing:" + uuid }
func sellerSetKey(id string) string { return "listings:seller:" + id }

// Get retrieves the listing for the given asset UUID.
// It returns domain.ErrNotFound when no record exists.
func (s *ListingStore) Get(ctx context.Context, uuid string) (domain.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(uuid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("redis: get listing %s: %w", uuid, err)
	}

	var l domain.Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return domain.Listing{}, fmt.Errorf("redis: unmarshal listing %s: %w", uuid, err)
	}
	return l, nil
}

// CompareAndUpdate applies fn to the freshly read listing state for uuid and
// commits the result atomically. The value fn receives is guaranteed to be
// the committed state at the instant of EXEC; if any concurrent writer
// touches the key in between, the transaction aborts and ErrLostRace is
// returned without applying fn's result.
//
// Errors returned by fn abort the operation without writing and are passed
// through unwrapped, so callers can match domain sentinels. A (nil, nil)
// result from fn leaves the stored value untouched.
func (s *ListingStore) CompareAndUpdate(ctx context.Context, uuid string, fn domain.ListingTransform) (domain.Listing, error) {
	key := listingKey(uuid)
	var committed domain.Listing

	txf := func(tx *redis.Tx) error {
		var old *domain.Listing
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var l domain.Listing
			if err := json.Unmarshal(data, &l); err != nil {
				return fmt.Errorf("redis: unmarshal listing %s: %w", uuid, err)
			}
			old = &l
		case errors.Is(err, redis.Nil):
			// No record yet; fn decides whether that is acceptable.
		default:
			return fmt.Errorf("redis: read listing %s: %w", uuid, err)
		}

		next, err := fn(old)
		if err != nil {
			return err
		}
		if next == nil {
			if old != nil {
				committed = *old
			}
			return nil
		}

		payload, err := json.Marshal(*next)
		if err != nil {
			return fmt.Errorf("redis: marshal listing %s: %w", uuid, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if next.Active {
				pipe.SAdd(ctx, activeSetKey, next.UUID)
				pipe.SAdd(ctx, sellerSetKey(next.SellerID), next.UUID)
			} else {
				pipe.SRem(ctx, activeSetKey, next.UUID)
				pipe.SRem(ctx, sellerSetKey(next.SellerID), next.UUID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		committed = *next
		return nil
	}

	err := s.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.Listing{}, domain.ErrLostRace
	}
	if err != nil {
		return domain.Listing{}, err
	}
	return committed, nil
}

// List returns listings matching the filter, newest first. Active-only
// queries read the index sets; queries that include inactive records scan
// the listing keyspace.
func (s *ListingStore) List(ctx context.Context, filter domain.ListingFilter, opts domain.ListOpts) ([]domain.Listing, error) {
	var uuids []string
	var err error

	switch {
	case filter.ActiveOnly && filter.SellerID != "":
		uuids, err = s.rdb.SMembers(ctx, sellerSetKey(filter.SellerID)).Result()
	case filter.ActiveOnly:
		uuids, err = s.rdb.SMembers(ctx, activeSetKey).Result()
	default:
		uuids, err = s.scanListingKeys(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: list listings: %w", err)
	}
	if len(uuids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(uuids))
	for i, u := range uuids {
		keys[i] = listingKey(u)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget listings: %w", err)
	}

	var listings []domain.Listing
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // key expired between index read and MGET
		}
		var l domain.Listing
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		if filter.Matches(l) {
			listings = append(listings, l)
		}
	}

	sort.Slice(listings, func(i, j int) bool {
		return listings[i].Created.After(listings[j].Created)
	})

	return paginate(listings, opts), nil
}

// CountActiveBySeller returns the number of active listings owned by sellerID.
func (s *ListingStore) CountActiveBySeller(ctx context.Context, sellerID string) (int, error) {
	n, err := s.rdb.SCard(ctx, sellerSetKey(sellerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count seller listings %s: %w", sellerID, err)
	}
	return int(n), nil
}

// scanListingKeys walks the listing keyspace and returns the asset UUIDs.
func (s *ListingStore) scanListingKeys(ctx context.Context) ([]string, error) {
	var uuids []string
	iter := s.rdb.Scan(ctx, 0, listingKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		uuids = append(uuids, key[len("listing:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return uuids, nil
}

func paginate(listings []domain.Listing, opts domain.ListOpts) []domain.Listing {
	if opts.Offset > 0 {
		if opts.Offset >= len(listings) {
			return nil
		}
		listings = listings[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(listings) {
		listings = listings[:opts.Limit]
	}
	return listings
}

// Compile-time interface check.
var _ domain.ListingStore = (*ListingStore)(nil)
