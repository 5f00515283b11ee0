package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	verificationRecordVersionV1 = 1

	// expiredRetention keeps record keys alive past logical expiry so the
	// first post-expiry lookup can report "expired" instead of "unknown".
	expiredRetention = 24 * time.Hour

	purgeBatchSize = 512
)

var (
	ErrVerificationNotFound    = errors.New("verification token not found")
	ErrVerificationUnavailable = errors.New("verification redis unavailable")
)

// VerificationRecord is the persisted state of one email-verification token.
type VerificationRecord struct {
	AccountID string
	ExpiresAt int64 // unix seconds
	CreatedAt int64 // unix seconds
}

// VerificationStore keeps verification tokens in Redis, indexed per account
// (for resend invalidation) and by expiry (for janitor sweeps).
type VerificationStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewVerificationStore creates a store using the given key prefix
// ("pv" when empty).
func NewVerificationStore(redisClient redis.UniversalClient, prefix string) *VerificationStore {
	if prefix == "" {
		prefix = "pv"
	}
	return &VerificationStore{redis: redisClient, prefix: prefix}
}

func (s *VerificationStore) tokenKey(token string) string {
	return s.prefix + ":t:" + token
}

func (s *VerificationStore) accountKey(accountID string) string {
	return s.prefix + ":a:" + accountID
}

func (s *VerificationStore) expiryKey() string {
	return s.prefix + ":x"
}

// Save persists a token record with the given logical TTL.
func (s *VerificationStore) Save(ctx context.Context, token string, record *VerificationRecord, ttl time.Duration) error {
	encoded, err := encodeVerificationRecord(record)
	if err != nil {
		return err
	}

	keyTTL := ttl + expiredRetention
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(token), encoded, keyTTL)
		pipe.SAdd(ctx, s.accountKey(record.AccountID), token)
		pipe.Expire(ctx, s.accountKey(record.AccountID), keyTTL)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
			Score:  float64(record.ExpiresAt),
			Member: record.AccountID + "|" + token,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	return nil
}

// Get returns the record for a token, or ErrVerificationNotFound.
func (s *VerificationStore) Get(ctx context.Context, token string) (*VerificationRecord, error) {
	data, err := s.redis.Get(ctx, s.tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrVerificationNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	return decodeVerificationRecord(data)
}

// Delete removes one token and its index entries. Deleting an absent token
// is not an error.
func (s *VerificationStore) Delete(ctx context.Context, accountID, token string) error {
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.tokenKey(token))
		pipe.SRem(ctx, s.accountKey(accountID), token)
		pipe.ZRem(ctx, s.expiryKey(), accountID+"|"+token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	return nil
}

// DeleteByAccount removes every token issued to an account. Used on resend
// and on successful verification so at most one token stays effective.
func (s *VerificationStore) DeleteByAccount(ctx context.Context, accountID string) error {
	tokens, err := s.redis.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	if len(tokens) == 0 {
		return nil
	}

	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, token := range tokens {
			pipe.Del(ctx, s.tokenKey(token))
			pipe.ZRem(ctx, s.expiryKey(), accountID+"|"+token)
		}
		pipe.Del(ctx, s.accountKey(accountID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	return nil
}

// PurgeExpired removes every token whose logical expiry precedes now and
// returns the number removed. Safe to run concurrently with live
// verification: a token deleted mid-flight reports as unknown on the next
// lookup, which is a defined error path.
func (s *VerificationStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	purged := 0
	max := strconv.FormatInt(now.Unix(), 10)

	for {
		members, err := s.redis.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + max,
			Count: purgeBatchSize,
		}).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
		}
		if len(members) == 0 {
			return purged, nil
		}

		_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, member := range members {
				accountID, token, ok := splitIndexMember(member)
				if ok {
					pipe.Del(ctx, s.tokenKey(token))
					pipe.SRem(ctx, s.accountKey(accountID), token)
				}
				pipe.ZRem(ctx, s.expiryKey(), member)
			}
			return nil
		})
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
		}
		purged += len(members)

		if len(members) < purgeBatchSize {
			return purged, nil
		}
	}
}

func splitIndexMember(member string) (accountID, token string, ok bool) {
	i := strings.IndexByte(member, '|')
	if i <= 0 || i == len(member)-1 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}

func encodeVerificationRecord(record *VerificationRecord) ([]byte, error) {
	if record == nil || record.AccountID == "" {
		return nil, errors.New("invalid verification record")
	}
	if len(record.AccountID) > 0xFFFF {
		return nil, errors.New("verification record account id too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(verificationRecordVersionV1)
	_ = binary.Write(&buf, binary.BigEndian, record.ExpiresAt)
	_ = binary.Write(&buf, binary.BigEndian, record.CreatedAt)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(record.AccountID)))
	buf.WriteString(record.AccountID)
	return buf.Bytes(), nil
}

func decodeVerificationRecord(data []byte) (*VerificationRecord, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("verification record truncated")
	}
	if version != verificationRecordVersionV1 {
		return nil, errors.New("unsupported verification record version")
	}

	var record VerificationRecord
	if err := binary.Read(r, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, errors.New("verification record truncated")
	}
	if err := binary.Read(r, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, errors.New("verification record truncated")
	}

	var idLen uint16
	if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
		return nil, errors.New("verification record truncated")
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return nil, errors.New("verification record truncated")
	}
	record.AccountID = string(id)

	return &record, nil
}
