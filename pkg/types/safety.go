package types

// Sequencing 顺序偏好
type Sequencing uint8

const (
	// SequencingNoPreference 无偏好
	SequencingNoPreference Sequencing = iota
	// SequencingPreferOrdered 优先有序协议
	SequencingPreferOrdered
	// SequencingEnsureOrdered 只使用有序协议
	SequencingEnsureOrdered
)

// String 文本
func (s Sequencing) String() string {
	switch s {
	case SequencingPreferOrdered:
		return "PreferOrdered"
	case SequencingEnsureOrdered:
		return "EnsureOrdered"
	}
	return "NoPreference"
}

// Tighten 取两者中更严格的一个
func (s Sequencing) Tighten(o Sequencing) Sequencing {
	if o > s {
		return o
	}
	return s
}

// Stability 路由稳定性偏好
type Stability uint8

const (
	// StabilityLowLatency 低延迟
	StabilityLowLatency Stability = iota
	// StabilityReliable 可靠
	StabilityReliable
)

// SafetySpec 安全路由参数
type SafetySpec struct {
	PreferredRoute *RouteID   `cbor:"1,keyasint,omitempty"`
	HopCount       int        `cbor:"2,keyasint"`
	Stability      Stability  `cbor:"3,keyasint"`
	Sequencing     Sequencing `cbor:"4,keyasint"`
}

// SafetySelection 不安全（直连）或安全路由
//
// Safe 为 nil 表示 Unsafe。
type SafetySelection struct {
	Sequencing Sequencing  `cbor:"1,keyasint"`
	Safe       *SafetySpec `cbor:"2,keyasint,omitempty"`
}

// UnsafeSelection 直连
func UnsafeSelection(seq Sequencing) SafetySelection {
	return SafetySelection{Sequencing: seq}
}

// SafeSelection 安全路由
func SafeSelection(spec SafetySpec) SafetySelection {
	return SafetySelection{Sequencing: spec.Sequencing, Safe: &spec}
}

// IsSafe 是否使用安全路由
func (s SafetySelection) IsSafe() bool {
	return s.Safe != nil
}

// GetSequencing 顺序偏好
func (s SafetySelection) GetSequencing() Sequencing {
	if s.Safe != nil {
		return s.Safe.Sequencing
	}
	return s.Sequencing
}
