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
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// URLAddr is an RTMP address of the form rtmp://host:port/app/key.
type URLAddr struct {
	// raw is the string the address was parsed from
	raw string

	// scheme should always be DefaultScheme "rtmp"
	scheme string

	// host is the host:port combination for the server
	// host should be valid with net.Listen() and net.Dial()
	host string

	// app is the first parameter to the RTMP URL
	// such as rtmp://host:port/app/key
	app string

	// key is the 2nd and final parameter to the RTMP URL
	// such as rtmp://host:port/app/key
	key string

	// query is passed along with the key on publish and play
	query string
}

// NewURLAddr parses a loose RTMP address. The scheme, host, port and app
// default to rtmp://localhost:1935/live and a missing key is generated.
func NewURLAddr(raw string) (*URLAddr, error) {
	s := raw
	if !strings.Contains(s, "://") {
		s = fmt.Sprintf("%s://%s", DefaultScheme, s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse rtmp url %q", raw)
	}
	if u.Scheme != DefaultScheme {
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}

	a := &URLAddr{
		raw:    raw,
		scheme: u.Scheme,
		app:    DefaultRTMPApp,
		query:  u.RawQuery,
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		// Assume there is no port
		host, port = u.Hostname(), ""
	}
	if host == "" {
		host = DefaultLocalHost
	}
	if port == "" {
		port = DefaultLocalPort
	}
	a.host = net.JoinHostPort(host, port)

	path := strings.Trim(u.Path, "/")
	if path != "" {
		splt := strings.Split(path, "/")
		switch len(splt) {
		case 1:
			a.app = splt[0]
		case 2:
			a.app = splt[0]
			a.key = splt[1]
		default:
			return nil, errors.Errorf("too many slashes: %s", raw)
		}
	}
	if a.key == "" {
		a.key = generateKey()
	}
	return a, nil
}

// Host will return a net.Dial compatible host string such as localhost:1935.
func (a *URLAddr) Host() string {
	return a.host
}

// Scheme should always return DefaultScheme "rtmp"
func (a *URLAddr) Scheme() string {
	return a.scheme
}

// App will return the first parameter of the path.
// Such as rtmp://host:port/app/key
func (a *URLAddr) App() string {
	return a.app
}

// Key should return the stream key for this address.
// All addresses will generate a key if one is not provided.
func (a *URLAddr) Key() string {
	return a.key
}

// StreamName is the key with its query, as sent in publish and play.
func (a *URLAddr) StreamName() string {
	if a.query == "" {
		return a.key
	}
	return a.key + "?" + a.query
}

// Path is the stream path a relay registers this address under.
func (a *URLAddr) Path() string {
	return a.app + "/" + a.key
}

// TcURL is the url announced in the connect command.
//  rtmp://localhost:1935/app
func (a *URLAddr) TcURL() string {
	return fmt.Sprintf("%s://%s/%s", a.scheme, a.host, a.app)
}

// SafeURL will log the StreamURL() without the key.
//  rtmp://localhost:1935/app/[obfuscated]
func (a *URLAddr) SafeURL() string {
	return a.TcURL()
}

// StreamURL is a resolvable stream URL that can be played or published.
//  rtmp://localhost:1935/app/key
func (a *URLAddr) StreamURL() string {
	return fmt.Sprintf("%s://%s/%s/%s", a.scheme, a.host, a.app, a.key)
}

func (a *URLAddr) Network() string {
	return DefaultProtocol
}

func (a *URLAddr) String() string {
	return a.host
}

// generateKey will generate a random stream key
func generateKey() string {
	b := make([]byte, DefaultGenerateKeyLength)
	for i := range b {
		b[i] = StreamKeyRandomBytePool[rand.Intn(len(StreamKeyRandomBytePool))]
	}
	return fmt.Sprintf("%s%s", DefaultGenerateKeyPrefix, string(b))
}
