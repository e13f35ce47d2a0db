package xtier

// SizeEstimator 估算值的序列化字节数，用于内存层容量核算。
// 返回错误表示该值无法被序列化，写入会被拒绝。
type SizeEstimator interface {
	Estimate(v any) (int64, error)
}

// SizeEstimatorFunc 是函数形式的 SizeEstimator。
type SizeEstimatorFunc func(v any) (int64, error)

// Estimate 实现 SizeEstimator。
func (f SizeEstimatorFunc) Estimate(v any) (int64, error) {
	return f(v)
}

// JSONSizeEstimator 以 JSON 编码长度作为大小估算，与持久层的存储表示一致。
type JSONSizeEstimator struct{}

// Estimate 返回 v 的 JSON 编码字节数。
func (JSONSizeEstimator) Estimate(v any) (int64, error) {
	data, err := marshalPayload(v)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
