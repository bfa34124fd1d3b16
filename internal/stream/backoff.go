package stream

import "time"

// Backoff 描述重连策略：第 n 次重连（从 1 开始）等待 BaseDelay·2^(n-1)，不超过 MaxDelay。
type Backoff struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Delay 返回第 attempt 次重连前的等待时间。
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}
