package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	otpRecordVersionV1 = 1

	// latestScanLimit bounds how many recent records LatestValid inspects.
	// Codes older than the newest few are either used or expired in any
	// realistic flow.
	latestScanLimit = 32

	markUsedMaxRetries = 4
)

var (
	ErrOTPNotFound    = errors.New("otp record not found")
	ErrOTPAlreadyUsed = errors.New("otp record already used")
	ErrOTPUnavailable = errors.New("otp redis unavailable")
)

// OTPRecord is the persisted state of one login code. Multiple records may
// exist per account; only the newest unused, unexpired one is redeemable.
type OTPRecord struct {
	AccountID string
	Code      string
	Used      bool
	ExpiresAt int64 // unix seconds
	CreatedAt int64 // unix nanoseconds, orders same-second issues
}

// OTPStore keeps OTP records in Redis under opaque record IDs, with a
// per-account recency index and a global expiry index.
type OTPStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewOTPStore creates a store using the given key prefix ("po" when empty).
func NewOTPStore(redisClient redis.UniversalClient, prefix string) *OTPStore {
	if prefix == "" {
		prefix = "po"
	}
	return &OTPStore{redis: redisClient, prefix: prefix}
}

func (s *OTPStore) recordKey(id string) string {
	return s.prefix + ":r:" + id
}

func (s *OTPStore) accountKey(accountID string) string {
	return s.prefix + ":a:" + accountID
}

func (s *OTPStore) expiryKey() string {
	return s.prefix + ":x"
}

// Save persists a new record under id with the given logical TTL.
func (s *OTPStore) Save(ctx context.Context, id string, record *OTPRecord, ttl time.Duration) error {
	encoded, err := encodeOTPRecord(record)
	if err != nil {
		return err
	}

	keyTTL := ttl + expiredRetention
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(id), encoded, keyTTL)
		// Score in milliseconds: nanosecond values overflow float64's exact
		// integer range and quantize. Sub-millisecond ordering is resolved
		// by LatestValid against the full CreatedAt in the record.
		pipe.ZAdd(ctx, s.accountKey(record.AccountID), redis.Z{
			Score:  float64(record.CreatedAt / int64(time.Millisecond)),
			Member: id,
		})
		pipe.Expire(ctx, s.accountKey(record.AccountID), keyTTL)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
			Score:  float64(record.ExpiresAt),
			Member: record.AccountID + "|" + id,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOTPUnavailable, err)
	}
	return nil
}

// Get returns the record stored under id, or ErrOTPNotFound.
func (s *OTPStore) Get(ctx context.Context, id string) (*OTPRecord, error) {
	data, err := s.redis.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrOTPNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrOTPUnavailable, err)
	}
	return decodeOTPRecord(data)
}

// LatestValid returns the newest record for the account that is unused and
// unexpired as of now, with its ID. Recency is decided by the record's full
// CreatedAt, not the index score, so same-millisecond issues order
// deterministically. Returns ErrOTPNotFound when none qualifies.
func (s *OTPStore) LatestValid(ctx context.Context, accountID string, now time.Time) (string, *OTPRecord, error) {
	ids, err := s.redis.ZRevRange(ctx, s.accountKey(accountID), 0, latestScanLimit-1).Result()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrOTPUnavailable, err)
	}

	nowUnix := now.Unix()
	var (
		bestID     string
		bestRecord *OTPRecord
	)
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrOTPNotFound) {
				continue // record purged under the index entry
			}
			return "", nil, err
		}
		if record.Used || record.ExpiresAt <= nowUnix {
			continue
		}
		if bestRecord == nil || record.CreatedAt > bestRecord.CreatedAt {
			bestID, bestRecord = id, record
		}
	}
	if bestRecord == nil {
		return "", nil, ErrOTPNotFound
	}
	return bestID, bestRecord, nil
}

// MarkUsed flips the used flag on a record, preserving its remaining TTL.
// Exactly one caller wins: concurrent markers are serialized with an
// optimistic WATCH transaction, and every caller after the winner gets
// ErrOTPAlreadyUsed. Marking a purged record returns ErrOTPNotFound.
func (s *OTPStore) MarkUsed(ctx context.Context, id string) error {
	key := s.recordKey(id)

	for i := 0; i < markUsedMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := decodeOTPRecord(data)
			if err != nil {
				return err
			}
			if record.Used {
				return ErrOTPAlreadyUsed
			}
			record.Used = true

			encoded, err := encodeOTPRecord(record)
			if err != nil {
				return err
			}
			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				// Key is on its way out; nothing left to consume.
				return ErrOTPNotFound
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrOTPAlreadyUsed):
			return ErrOTPAlreadyUsed
		case errors.Is(err, ErrOTPNotFound):
			return ErrOTPNotFound
		case errors.Is(err, redis.Nil):
			return ErrOTPNotFound
		default:
			return fmt.Errorf("%w: %v", ErrOTPUnavailable, err)
		}
	}
	return fmt.Errorf("%w: mark-used contention", ErrOTPUnavailable)
}

// PurgeExpired removes every record whose logical expiry precedes now and
// returns the number removed.
func (s *OTPStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	purged := 0
	max := strconv.FormatInt(now.Unix(), 10)

	for {
		members, err := s.redis.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + max,
			Count: purgeBatchSize,
		}).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrOTPUnavailable, err)
		}
		if len(members) == 0 {
			return purged, nil
		}

		_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, member := range members {
				accountID, id, ok := splitIndexMember(member)
				if ok {
					pipe.Del(ctx, s.recordKey(id))
					pipe.ZRem(ctx, s.accountKey(accountID), id)
				}
				pipe.ZRem(ctx, s.expiryKey(), member)
			}
			return nil
		})
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrOTPUnavailable, err)
		}
		purged += len(members)

		if len(members) < purgeBatchSize {
			return purged, nil
		}
	}
}

func encodeOTPRecord(record *OTPRecord) ([]byte, error) {
	if record == nil || record.AccountID == "" || record.Code == "" {
		return nil, errors.New("invalid otp record")
	}
	if len(record.AccountID) > 0xFFFF || len(record.Code) > 0xFF {
		return nil, errors.New("otp record field too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(otpRecordVersionV1)
	if record.Used {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	_ = binary.Write(&buf, binary.BigEndian, record.ExpiresAt)
	_ = binary.Write(&buf, binary.BigEndian, record.CreatedAt)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(record.AccountID)))
	buf.WriteString(record.AccountID)
	buf.WriteByte(byte(len(record.Code)))
	buf.WriteString(record.Code)
	return buf.Bytes(), nil
}

func decodeOTPRecord(data []byte) (*OTPRecord, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("otp record truncated")
	}
	if version != otpRecordVersionV1 {
		return nil, errors.New("unsupported otp record version")
	}

	used, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("otp record truncated")
	}

	var record OTPRecord
	record.Used = used == 1
	if err := binary.Read(r, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, errors.New("otp record truncated")
	}
	if err := binary.Read(r, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, errors.New("otp record truncated")
	}

	var idLen uint16
	if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
		return nil, errors.New("otp record truncated")
	}
	accountID := make([]byte, idLen)
	if _, err := io.ReadFull(r, accountID); err != nil {
		return nil, errors.New("otp record truncated")
	}
	record.AccountID = string(accountID)

	codeLen, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("otp record truncated")
	}
	code := make([]byte, codeLen)
	if _, err := io.ReadFull(r, code); err != nil {
		return nil, errors.New("otp record truncated")
	}
	record.Code = string(code)

	return &record, nil
}
