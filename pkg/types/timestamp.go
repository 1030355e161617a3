package types

import "time"

// Timestamp 自 Unix 纪元起的微秒数
type Timestamp uint64

// TimestampFromTime 从 time.Time 转换
func TimestampFromTime(t time.Time) Timestamp {
	if t.IsZero() {
		return 0
	}
	return Timestamp(t.UnixMicro())
}

// Time 转回 time.Time
func (ts Timestamp) Time() time.Time {
	return time.UnixMicro(int64(ts))
}

// Add 加上时长
func (ts Timestamp) Add(d time.Duration) Timestamp {
	return ts + Timestamp(d.Microseconds())
}

// Sub 两个时间戳之差（ts 较早时返回 0）
func (ts Timestamp) Sub(earlier Timestamp) time.Duration {
	if ts < earlier {
		return 0
	}
	return time.Duration(ts-earlier) * time.Microsecond
}

// IsZero 是否未设置
func (ts Timestamp) IsZero() bool {
	return ts == 0
}
