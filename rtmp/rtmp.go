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

// Package rtmp is the network side of the relay: it accepts RTMP
// connections, runs the handshake and the command layer, classifies the
// media a publisher sends and hands it to a live.Service.
package rtmp

import (
	"time"
)

const (
	DefaultProtocol          string = "tcp"
	DefaultLocalHost         string = "localhost"
	DefaultLocalPort         string = "1935"
	DefaultScheme            string = "rtmp"
	DefaultRTMPApp           string = "live"
	DefaultGenerateKeyLength int    = 20
	DefaultGenerateKeyPrefix string = "relay_"

	// StreamKeyRandomBytePool is the pool of characters to generate a stream key from
	StreamKeyRandomBytePool string = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

const (
	// DefaultBufferSize is the size of the buffered reader and writer
	// wrapped around every connection.
	DefaultBufferSize int = 4 * 1024

	// DefaultChunkSize is the outgoing chunk size announced after connect.
	DefaultChunkSize uint32 = 4096

	// DefaultWindowAckSize is the acknowledgement window announced to peers.
	DefaultWindowAckSize uint32 = 2500000

	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	// HandshakeTimeout bounds every read and write of the handshake.
	HandshakeTimeout = 5 * time.Second

	// DefaultStreamID is the message stream id handed out by createStream.
	DefaultStreamID uint32 = 1
)

const (
	SOUND_MP3   = 2
	SOUND_AAC   = 10
	SOUND_SPEEX = 11

	AAC_SEQHDR = 0
	AAC_RAW    = 1
)

const (
	AVC_SEQHDR = 0
	AVC_NALU   = 1
	AVC_EOS    = 2

	FRAME_KEY           = 1
	FRAME_INTER         = 2
	FRAME_DISPOSABLE    = 3
	FRAME_GENERATED_KEY = 4
	FRAME_INFO          = 5

	VIDEO_H264 = 7
)

var (
	CommandConnect         = "connect"
	CommandFCPublish       = "FCPublish"
	CommandReleaseStream   = "releaseStream"
	CommandCreateStream    = "createStream"
	CommandPublish         = "publish"
	CommandFCUnpublish     = "FCUnpublish"
	CommandDeleteStream    = "deleteStream"
	CommandCloseStream     = "closeStream"
	CommandPlay            = "play"
	CommandGetStreamLength = "getStreamLength"
	CommandReceiveAudio    = "receiveAudio"
	CommandReceiveVideo    = "receiveVideo"
)

var (
	respResult = "_result"
	respError  = "_error"
	onStatus   = "onStatus"
	onMetaData = "onMetaData"

	setDataFrame = "@setDataFrame"
)

// NetConnection and NetStream status codes.
var (
	StatusConnectSuccess    = "NetConnection.Connect.Success"
	StatusPublishStart      = "NetStream.Publish.Start"
	StatusPublishBadName    = "NetStream.Publish.BadName"
	StatusUnpublishSuccess  = "NetStream.Unpublish.Success"
	StatusPlayReset         = "NetStream.Play.Reset"
	StatusPlayStart         = "NetStream.Play.Start"
	StatusPlayFailed        = "NetStream.Play.Failed"
	StatusPlayPublishNotify = "NetStream.Play.PublishNotify"
	StatusPlayUnpublish     = "NetStream.Play.UnpublishNotify"
	StatusDataStart         = "NetStream.Data.Start"
)

const (
	levelStatus = "status"
	levelError  = "error"
)
