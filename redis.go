package ledgerx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// maxTxAttempts bounds how often Modify retries after a concurrent writer
// invalidated its WATCH.
const maxTxAttempts = 8

var (
	_ Repository = (*RedisStore)(nil)
)

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps each account as a JSON document under
// "<prefix>:account:<number>". A sorted set of zero-padded account numbers
// keeps FindAll ordered, and an INCR counter hands out identities.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ledgerx"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) acctKey(acctNum int64) string {
	return fmt.Sprintf("%s:account:%d", r.prefix, acctNum)
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":accounts"
}

func (r *RedisStore) seqKey() string {
	return r.prefix + ":accounts:id_seq"
}

func (r *RedisStore) FindAll(ctx context.Context) ([]Account, error) {
	members, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	accts := make([]Account, 0, len(members))
	if len(members) == 0 {
		return accts, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		n, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt account index member %q: %w", m, err)
		}
		keys[i] = r.acctKey(n)
	}
	docs, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, d := range docs {
		s, ok := d.(string)
		if !ok {
			// indexed but document gone
			continue
		}
		var acct Account
		if err = json.Unmarshal([]byte(s), &acct); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		accts = append(accts, acct)
	}
	return accts, nil
}

func (r *RedisStore) FindByAccountNumber(ctx context.Context, acctNum int64) (*Account, bool, error) {
	acct, err := r.get(ctx, r.client, acctNum)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return acct, true, nil
}

// Insert writes the document and its index entry in one MULTI under a WATCH
// of the account key, so either both land or neither does.
func (r *RedisStore) Insert(ctx context.Context, acct *Account) (*Account, error) {
	if acct.ID != 0 {
		return nil, errPresetID()
	}

	id, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return nil, err
	}
	stored := *acct
	stored.ID = id
	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	key := r.acctKey(acct.AccountNumber)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateAccount{AccountNumber: acct.AccountNumber}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			pipe.ZAdd(ctx, r.indexKey(), redis.Z{Member: indexMember(acct.AccountNumber)})
			return nil
		})
		return err
	}
	if err = r.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *RedisStore) Update(ctx context.Context, acct *Account) error {
	_, err := r.Modify(ctx, acct.AccountNumber, func(cur *Account) error {
		cur.CustomerNumber = acct.CustomerNumber
		cur.CustomerName = acct.CustomerName
		cur.Balance = acct.Balance
		cur.Status = acct.Status
		return nil
	})
	return err
}

// Modify runs an optimistic WATCH/MULTI transaction on the account key and
// retries when another client wrote the key in between.
func (r *RedisStore) Modify(ctx context.Context, acctNum int64, fn func(*Account) error) (*Account, error) {
	key := r.acctKey(acctNum)
	var result *Account

	txf := func(tx *redis.Tx) error {
		acct, err := r.get(ctx, tx, acctNum)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound{AccountNumber: acctNum}
			}
			return err
		}
		id := acct.ID
		if err = fn(acct); err != nil {
			return err
		}
		acct.ID = id
		acct.AccountNumber = acctNum

		doc, err := json.Marshal(acct)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = acct
		return nil
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// watch runs txf under WATCH of key, retrying when another client wrote the
// key before EXEC.
func (r *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%s: %w", key, redis.TxFailedErr)
}

// indexMember zero-pads n to 19 digits. Every member has score 0, so the
// sorted set orders them lexicographically, which for equal-width positive
// numbers is numeric order across the whole int64 range.
func indexMember(n int64) string {
	return fmt.Sprintf("%019d", n)
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) get(ctx context.Context, c stringGetter, acctNum int64) (*Account, error) {
	b, err := c.Get(ctx, r.acctKey(acctNum)).Bytes()
	if err != nil {
		return nil, err
	}
	var acct Account
	if err = json.Unmarshal(b, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}
