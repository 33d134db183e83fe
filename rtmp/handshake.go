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
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"time"

	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/pkg/errors"
)

const (
	handshakeVersion   = 3
	handshakePacketLen = 1536
	handshakeDigestLen = 32

	// handshakeServerVersion is announced in S1 when answering a digest handshake.
	handshakeServerVersion uint32 = 0x0d0e0a0d
)

var ErrHandshakeVersion = errors.New("rtmp: unsupported handshake version")

var (
	hsClientFullKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'P', 'l', 'a', 'y', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	hsServerFullKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'M', 'e', 'd', 'i', 'a', ' ',
		'S', 'e', 'r', 'v', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	hsClientPartialKey = hsClientFullKey[:30]
	hsServerPartialKey = hsServerFullKey[:36]
)

func hsMakeDigest(key []byte, src []byte, gap int) []byte {
	h := hmac.New(sha256.New, key)
	if gap <= 0 {
		h.Write(src)
	} else {
		h.Write(src[:gap])
		h.Write(src[gap+handshakeDigestLen:])
	}
	return h.Sum(nil)
}

// hsCalcDigestPos finds the digest offset from the four bytes at base.
func hsCalcDigestPos(p []byte, base int) int {
	pos := 0
	for i := 0; i < 4; i++ {
		pos += int(p[base+i])
	}
	return (pos % 728) + base + 4
}

func hsFindDigest(p []byte, key []byte, base int) int {
	gap := hsCalcDigestPos(p, base)
	digest := hsMakeDigest(key, p, gap)
	if !bytes.Equal(p[gap:gap+handshakeDigestLen], digest) {
		return -1
	}
	return gap
}

// hsParse1 validates the digest of C1 (or S1), trying both schemes, and
// returns the key the peer expects S2 (or C2) to be signed with.
func hsParse1(p []byte, peerKey []byte, key []byte) (bool, []byte) {
	pos := hsFindDigest(p, peerKey, 772)
	if pos == -1 {
		if pos = hsFindDigest(p, peerKey, 8); pos == -1 {
			return false, nil
		}
	}
	return true, hsMakeDigest(key, p[pos:pos+handshakeDigestLen], -1)
}

func hsCreate01(p []byte, time uint32, ver uint32, key []byte) {
	p[0] = handshakeVersion
	p1 := p[1:]
	rand.Read(p1[8:])
	pio.PutU32BE(p1[0:4], time)
	pio.PutU32BE(p1[4:8], ver)
	gap := hsCalcDigestPos(p1, 8)
	digest := hsMakeDigest(key, p1, gap)
	copy(p1[gap:], digest)
}

func hsCreate2(p []byte, key []byte) {
	rand.Read(p)
	gap := len(p) - handshakeDigestLen
	digest := hsMakeDigest(key, p, gap)
	copy(p[gap:], digest)
}

func (conn *Conn) handshakeDeadline() {
	conn.Conn.SetDeadline(time.Now().Add(HandshakeTimeout))
}

// HandshakeServer answers the client handshake. A client announcing a
// version in C1 gets the digest handshake, otherwise S1 and S2 echo the
// simple handshake.
func (conn *Conn) HandshakeServer() error {
	var random [(1 + handshakePacketLen*2) * 2]byte

	C0C1C2 := random[:handshakePacketLen*2+1]
	C0 := C0C1C2[:1]
	C1 := C0C1C2[1 : handshakePacketLen+1]
	C0C1 := C0C1C2[:handshakePacketLen+1]
	C2 := C0C1C2[handshakePacketLen+1:]

	S0S1S2 := random[handshakePacketLen*2+1:]
	S0 := S0S1S2[:1]
	S1 := S0S1S2[1 : handshakePacketLen+1]
	S0S1 := S0S1S2[:handshakePacketLen+1]
	S2 := S0S1S2[handshakePacketLen+1:]

	defer conn.Conn.SetDeadline(time.Time{})

	// < C0C1
	conn.handshakeDeadline()
	if _, err := io.ReadFull(conn.rw, C0C1); err != nil {
		return errors.Wrap(err, "read C0C1")
	}
	if C0[0] != handshakeVersion {
		return errors.Wrapf(ErrHandshakeVersion, "version %d", C0[0])
	}

	S0[0] = handshakeVersion
	clientTime := pio.U32BE(C1[0:4])
	clientVersion := pio.U32BE(C1[4:8])

	if clientVersion != 0 {
		ok, digest := hsParse1(C1, hsClientPartialKey, hsServerFullKey)
		if !ok {
			return errors.New("rtmp: handshake C1 digest invalid")
		}
		hsCreate01(S0S1, clientTime, handshakeServerVersion, hsServerPartialKey)
		hsCreate2(S2, digest)
	} else {
		pio.PutU32BE(S1[0:4], clientTime)
		rand.Read(S1[8:])
		copy(S2, C1)
	}

	// > S0S1S2
	conn.handshakeDeadline()
	if _, err := conn.rw.Write(S0S1S2); err != nil {
		return errors.Wrap(err, "write S0S1S2")
	}
	if err := conn.rw.Flush(); err != nil {
		return errors.Wrap(err, "flush S0S1S2")
	}

	// < C2
	conn.handshakeDeadline()
	if _, err := io.ReadFull(conn.rw, C2); err != nil {
		return errors.Wrap(err, "read C2")
	}
	return nil
}

// HandshakeClient runs the simple handshake from the client side.
func (conn *Conn) HandshakeClient() error {
	var random [(1 + handshakePacketLen*2) * 2]byte

	C0C1 := random[:handshakePacketLen+1]
	C0 := C0C1[:1]
	C1 := C0C1[1:]
	S0S1S2 := random[handshakePacketLen*2+1:]

	defer conn.Conn.SetDeadline(time.Time{})

	C0[0] = handshakeVersion
	rand.Read(C1[8:])

	// > C0C1
	conn.handshakeDeadline()
	if _, err := conn.rw.Write(C0C1); err != nil {
		return errors.Wrap(err, "write C0C1")
	}
	if err := conn.rw.Flush(); err != nil {
		return errors.Wrap(err, "flush C0C1")
	}

	// < S0S1S2
	conn.handshakeDeadline()
	if _, err := io.ReadFull(conn.rw, S0S1S2); err != nil {
		return errors.Wrap(err, "read S0S1S2")
	}
	if S0S1S2[0] != handshakeVersion {
		return errors.Wrapf(ErrHandshakeVersion, "version %d", S0S1S2[0])
	}

	// > C2
	C2 := S0S1S2[1 : handshakePacketLen+1]
	conn.handshakeDeadline()
	if _, err := conn.rw.Write(C2); err != nil {
		return errors.Wrap(err, "write C2")
	}
	if err := conn.rw.Flush(); err != nil {
		return errors.Wrap(err, "flush C2")
	}
	return nil
}
