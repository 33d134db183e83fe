// Copyright © 2021 Kris Nóva <kris@nivenly.com>
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
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ████████╗██╗    ██╗██╗███╗   ██╗██╗  ██╗
//  ╚══██╔══╝██║    ██║██║████╗  ██║╚██╗██╔╝
//     ██║   ██║ █╗ ██║██║██╔██╗ ██║ ╚███╔╝
//     ██║   ██║███╗██║██║██║╚██╗██║ ██╔██╗
//     ██║   ╚███╔███╔╝██║██║ ╚████║██╔╝ ██╗
//     ╚═╝    ╚══╝╚══╝ ╚═╝╚═╝  ╚═══╝╚═╝  ╚═╝
//
// ────────────────────────────────────────────────────────────────────────────

package live

const (
	DefaultBackpressureMaxBytes int64 = 4 * 1024 * 1024
	DefaultBackpressureMaxCount int64 = 512
)

// Thresholds configure when a subscriber starts dropping skippable packets.
type Thresholds struct {
	MaxBytes int64
	MaxCount int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxBytes: DefaultBackpressureMaxBytes,
		MaxCount: DefaultBackpressureMaxCount,
	}
}

// Admit decides whether a packet enters a subscriber's queue given the
// subscriber's current skip mode and outstanding bytes and packets. It
// returns the decision and the skip mode to carry forward.
//
// Skip mode is entered when both counters exceed their thresholds and left
// only once both are strictly below them again. Packets that are not
// skippable are always admitted and never change the mode.
func (thresholds Thresholds) Admit(skipping, skippable bool, bytes, count int64) (bool, bool) {
	if !skippable {
		return true, skipping
	}
	if skipping {
		if bytes < thresholds.MaxBytes && count < thresholds.MaxCount {
			return true, false
		}
		return false, true
	}
	if bytes > thresholds.MaxBytes && count > thresholds.MaxCount {
		return false, true
	}
	return true, false
}
