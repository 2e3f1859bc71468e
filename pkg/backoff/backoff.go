// Copyright 2026 CasareRPA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package backoff 提供重试退避的纯函数实现，调用方自行决定是 sleep 还是写回 next_attempt_at。
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy 指数退避参数。Jitter 为对称抖动比例（0 表示无抖动）。
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// Default 队列重试的缺省参数：2s 起步、5min 封顶、±30% 抖动。
var Default = Policy{
	Base:   2 * time.Second,
	Cap:    5 * time.Minute,
	Jitter: 0.3,
}

// Delay 计算第 retry 次重试前的等待时间：min(Cap, Base·2^retry)·(1±Jitter)。
// retry 从 0 开始计。抖动用全局 rand，防止大批量失败后的 thundering herd。
func (p Policy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	base := p.Base
	if base <= 0 {
		base = Default.Base
	}
	cap := p.Cap
	if cap <= 0 {
		cap = Default.Cap
	}
	d := float64(base) * math.Pow(2, float64(retry))
	if d > float64(cap) {
		d = float64(cap)
	}
	if p.Jitter > 0 {
		// (rand-0.5)*2 落在 [-1,1)，乘以 Jitter 得到对称扰动
		d += (rand.Float64() - 0.5) * 2 * p.Jitter * d
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// NextAttempt 返回从 now 起第 retry 次重试的绝对时间，便于直接写库。
func (p Policy) NextAttempt(now time.Time, retry int) time.Time {
	return now.Add(p.Delay(retry))
}
