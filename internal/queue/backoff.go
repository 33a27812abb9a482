package queue

import "time"

// NextBackoff 计算第 retryCount 次失败后的退避时长。
//
// 封顶指数退避: base * 2^(retryCount-1)，不超过 ceiling。
// 完全确定性，不加抖动，保证计划时间可预测、可在排查时复算。
func NextBackoff(base, ceiling time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := base
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= ceiling || backoff < 0 {
			return ceiling
		}
	}
	if backoff > ceiling {
		return ceiling
	}
	return backoff
}
