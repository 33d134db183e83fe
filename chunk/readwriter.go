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
	"bufio"
	"io"

	"github.com/gwuhaolin/livego/utils/pio"
)

// ReadWriter is a buffered connection wrapper with sticky errors.
//
// Once a read or write fails every following call of the same direction
// returns that error, so header decoding can issue several reads and check
// the error once.
type ReadWriter struct {
	*bufio.ReadWriter
	readError  error
	writeError error
	readBytes  uint64
	scratch    [4]byte
}

func NewReadWriter(rw io.ReadWriter, bufSize int) *ReadWriter {
	return &ReadWriter{
		ReadWriter: bufio.NewReadWriter(bufio.NewReaderSize(rw, bufSize), bufio.NewWriterSize(rw, bufSize)),
	}
}

// Read fills p completely or fails.
func (rw *ReadWriter) Read(p []byte) (int, error) {
	if rw.readError != nil {
		return 0, rw.readError
	}
	n, err := io.ReadAtLeast(rw.ReadWriter, p, len(p))
	rw.readBytes += uint64(n)
	rw.readError = err
	return n, err
}

func (rw *ReadWriter) ReadError() error {
	return rw.readError
}

// ReadBytes returns the number of bytes consumed so far.
func (rw *ReadWriter) ReadBytes() uint64 {
	return rw.readBytes
}

// ReadUintBE reads an n byte big-endian integer, n at most 4.
func (rw *ReadWriter) ReadUintBE(n int) (uint32, error) {
	b, err := rw.readUint(n)
	if err != nil {
		return 0, err
	}
	switch n {
	case 1:
		return uint32(b[0]), nil
	case 2:
		return uint32(pio.U16BE(b)), nil
	case 3:
		return pio.U24BE(b), nil
	}
	return pio.U32BE(b), nil
}

// ReadUintLE reads an n byte little-endian integer, n at most 4.
func (rw *ReadWriter) ReadUintLE(n int) (uint32, error) {
	b, err := rw.readUint(n)
	if err != nil {
		return 0, err
	}
	if n == 4 {
		return pio.U32LE(b), nil
	}
	var v uint32
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v, nil
}

func (rw *ReadWriter) readUint(n int) ([]byte, error) {
	b := rw.scratch[:n]
	if _, err := rw.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (rw *ReadWriter) Flush() error {
	if rw.writeError != nil {
		return rw.writeError
	}
	if rw.ReadWriter.Writer.Buffered() == 0 {
		return nil
	}
	if err := rw.ReadWriter.Flush(); err != nil {
		rw.writeError = err
		return err
	}
	return nil
}

func (rw *ReadWriter) Write(p []byte) (int, error) {
	if rw.writeError != nil {
		return 0, rw.writeError
	}
	n, err := rw.ReadWriter.Write(p)
	if err != nil {
		rw.writeError = err
	}
	return n, err
}
