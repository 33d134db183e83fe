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

package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSizeClasses(t *testing.T) {
	cases := []struct {
		size  int
		class int
	}{
		{0, 0},
		{1, 0},
		{64, 0},
		{65, 1},
		{128, 1},
		{129, 2},
		{4096, 6},
		{1 << maxClassShift, numClasses - 1},
		{1<<maxClassShift + 1, -1},
	}
	for _, c := range cases {
		assert.Equal(t, c.class, classOf(c.size), "size %d", c.size)
	}

	p := NewPool()
	for _, size := range []int{0, 10, 1000, 70000, 1<<maxClassShift + 10} {
		buf := p.Acquire(size)
		assert.Equal(t, 0, buf.Len())
		assert.GreaterOrEqual(t, cap(buf.Bytes()), size)
		buf.Discard()
	}
}

func TestFreezeReleaseRecyclesOnce(t *testing.T) {
	p := NewPool()
	buf := p.Acquire(16)
	_, err := buf.Write([]byte("keyframe"))
	require.NoError(t, err)

	rented := buf.Freeze(3)
	assert.Equal(t, int32(3), rented.Claims())
	assert.Equal(t, []byte("keyframe"), rented.Bytes())

	rented.Release()
	rented.Release()
	assert.Equal(t, int64(0), p.Stats().Recycled)
	assert.Equal(t, []byte("keyframe"), rented.Bytes())

	rented.Release()
	s := p.Stats()
	assert.Equal(t, int64(1), s.Recycled)
	assert.Equal(t, int64(0), s.Outstanding)
	assert.Nil(t, rented.Bytes())
}

func TestReleaseTooManyTimesPanics(t *testing.T) {
	p := NewPool()
	rented := p.Rent([]byte{1, 2, 3})
	rented.Release()
	assert.Panics(t, func() { rented.Release() })
}

func TestClaimAfterRecyclePanics(t *testing.T) {
	p := NewPool()
	rented := p.Rent([]byte{1})
	rented.Release()
	assert.Panics(t, func() { rented.Claim() })
}

func TestFreezeWithoutClaimsPanics(t *testing.T) {
	p := NewPool()
	assert.Panics(t, func() { p.Acquire(1).Freeze(0) })
}

func TestConcurrentClaimRelease(t *testing.T) {
	p := NewPool()
	const holders = 64
	for round := 0; round < 50; round++ {
		rented := p.Rent(make([]byte, 512))
		var wg sync.WaitGroup
		for i := 0; i < holders; i++ {
			claim := rented.Claim()
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = claim.Len()
				claim.Release()
			}()
		}
		rented.Release()
		wg.Wait()
	}
	s := p.Stats()
	assert.Equal(t, int64(50), s.Recycled)
	assert.Equal(t, int64(0), s.Outstanding)
}

func TestDiscard(t *testing.T) {
	p := NewPool()
	buf := p.Acquire(100)
	buf.Write([]byte("partial"))
	buf.Discard()
	s := p.Stats()
	assert.Equal(t, int64(1), s.Discarded)
	assert.Equal(t, int64(0), s.Outstanding)
	// Discard twice is a no-op.
	buf.Discard()
	assert.Equal(t, int64(1), p.Stats().Discarded)
}

func TestExtendGrowsThroughPool(t *testing.T) {
	p := NewPool()
	buf := p.Acquire(64)
	for i := 0; i < 10; i++ {
		tail := buf.Extend(64)
		for j := range tail {
			tail[j] = byte(i)
		}
	}
	require.Equal(t, 640, buf.Len())
	assert.Equal(t, byte(0), buf.Bytes()[0])
	assert.Equal(t, byte(9), buf.Bytes()[639])
	assert.Equal(t, 4, classOf(cap(buf.Bytes())), "grown geometrically into a pooled class")

	rented := buf.Freeze(1)
	rented.Release()
	assert.Equal(t, int64(0), p.Stats().Outstanding)
}
