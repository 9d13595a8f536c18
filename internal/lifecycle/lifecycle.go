// Package lifecycle 定义分享记录的状态机：Active → Consumed、Active → Expired，两个终态均不可逆。
package lifecycle

import (
	"errors"
	"time"

	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
)

// DefaultTTL 为分享的固定有效期。
const DefaultTTL = 24 * time.Hour

var (
	// ErrAlreadyConsumed 表示记录已被成功取走过一次。
	ErrAlreadyConsumed = errors.New("lifecycle: share already consumed")
	// ErrExpired 表示记录已超过有效期。
	ErrExpired = errors.New("lifecycle: share expired")
)

// State 描述记录在某一时刻所处的状态。
type State string

const (
	StateActive   State = "active"
	StateConsumed State = "consumed"
	StateExpired  State = "expired"
)

// ExpiresAt 在创建时一次性计算过期时间，之后不再调整。
func ExpiresAt(createdAt time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return createdAt.Add(ttl)
}

// StateAt 返回记录在 now 时刻的状态。消费优先于过期。
func StateAt(rec *repository.ShareRecord, now time.Time) State {
	switch {
	case rec.Consumed:
		return StateConsumed
	case !now.Before(rec.ExpiresAt):
		return StateExpired
	default:
		return StateActive
	}
}

// IsRetrievable = 未消费 且 now < expiresAt。
func IsRetrievable(rec *repository.ShareRecord, now time.Time) bool {
	return rec != nil && StateAt(rec, now) == StateActive
}

// Check 判断记录此刻能否被消费，不能时返回对应错误。
func Check(rec *repository.ShareRecord, now time.Time) error {
	if rec == nil {
		return repository.ErrNotFound
	}
	switch StateAt(rec, now) {
	case StateConsumed:
		return ErrAlreadyConsumed
	case StateExpired:
		return ErrExpired
	default:
		return nil
	}
}

// Consume 对内存中的记录执行状态迁移。它本身不是并发安全的，
// 跨请求的原子性由存储层的条件更新保证（见 repository.ShareRepository.MarkConsumed）。
func Consume(rec *repository.ShareRecord, now time.Time) error {
	if err := Check(rec, now); err != nil {
		return err
	}
	rec.Consumed = true
	consumedAt := now
	rec.ConsumedAt = &consumedAt
	return nil
}
