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

package chunk

import (
	"io"

	"github.com/pkg/errors"
)

// EncodedLen returns the number of bytes WriteMessage produces for a
// payload of n bytes.
func EncodedLen(header Header, n int, chunkSize uint32) int {
	total := header.HeaderLen() + n
	if n <= int(chunkSize) {
		return total
	}
	continuations := (n - 1) / int(chunkSize)
	perChunk := BasicHeaderLen(header.ChannelID)
	if header.Extended() {
		perChunk += 4
	}
	return total + continuations*perChunk
}

// WriteMessage writes payload as one message: the header followed by up to
// chunkSize bytes, then Type3 continuation chunks until the payload is
// exhausted. The header length is taken from the payload.
func WriteMessage(w io.Writer, header Header, payload []byte, chunkSize uint32) error {
	if chunkSize == 0 || chunkSize > MaxChunkSize {
		return errors.Wrapf(ErrInvalidChunkSize, "size %d", chunkSize)
	}
	if header.ChannelID < 2 || header.ChannelID > MaxChannelID {
		return errors.Wrapf(ErrInvalidChannel, "channel %d", header.ChannelID)
	}
	if uint64(len(payload)) > uint64(MaxMessageLength) {
		return errors.Wrapf(ErrMessageTooLong, "length %d", len(payload))
	}
	header.Length = uint32(len(payload))

	var scratch [MaxHeaderLen]byte
	first := appendHeader(scratch[:0], header)
	if _, err := w.Write(first); err != nil {
		return err
	}

	continuation := appendBasicHeader(scratch[:0], Type3, header.ChannelID)
	if header.Extended() {
		continuation = appendExtended(continuation, header.Timestamp)
	}

	for offset := 0; ; {
		end := offset + int(chunkSize)
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := w.Write(payload[offset:end]); err != nil {
			return err
		}
		offset = end
		if offset >= len(payload) {
			return nil
		}
		if _, err := w.Write(continuation); err != nil {
			return err
		}
	}
}
