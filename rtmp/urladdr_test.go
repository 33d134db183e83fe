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

package rtmp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrs(t *testing.T) {
	happyCases := map[string]struct {
		host string
		app  string
		key  string
	}{
		"rtmp://localhost:1935/live/1234":   {"localhost:1935", "live", "1234"},
		"127.0.0.1:1935":                    {"127.0.0.1:1935", "live", ""},
		"rtmp://127.0.0.1":                  {"127.0.0.1:1935", "live", ""},
		"":                                  {"localhost:1935", "live", ""},
		"localhost":                         {"localhost:1935", "live", ""},
		"rtmp://localhost:1313":             {"localhost:1313", "live", ""},
		"rtmp://localhost:1313/beeps/boops": {"localhost:1313", "beeps", "boops"},
		"rtmp://:1313/beeps":                {"localhost:1313", "beeps", ""},
	}
	for input, expected := range happyCases {
		actual, err := NewURLAddr(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected.host, actual.Host(), input)
		assert.Equal(t, expected.app, actual.App(), input)
		assert.Equal(t, DefaultScheme, actual.Scheme(), input)
		if expected.key != "" {
			assert.Equal(t, expected.key, actual.Key(), input)
		} else {
			assert.True(t, strings.HasPrefix(actual.Key(), DefaultGenerateKeyPrefix), input)
			assert.Len(t, actual.Key(), len(DefaultGenerateKeyPrefix)+DefaultGenerateKeyLength)
		}
	}
}

func TestAddrsSad(t *testing.T) {
	for _, input := range []string{
		"http://localhost/live/key",
		"rtmp://localhost/a/b/c",
	} {
		_, err := NewURLAddr(input)
		assert.Error(t, err, input)
	}
}

func TestAddrURLs(t *testing.T) {
	a, err := NewURLAddr("rtmp://example.com/live/secret?token=abc")
	require.NoError(t, err)
	assert.Equal(t, "rtmp://example.com:1935/live", a.TcURL())
	assert.Equal(t, "rtmp://example.com:1935/live", a.SafeURL())
	assert.Equal(t, "rtmp://example.com:1935/live/secret", a.StreamURL())
	assert.Equal(t, "secret?token=abc", a.StreamName())
	assert.Equal(t, "live/secret", a.Path())
	assert.Equal(t, "tcp", a.Network())
	assert.Equal(t, "example.com:1935", a.String())
}
