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
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/gwuhaolin/livego/protocol/amf"
	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/live"
	"github.com/pkg/errors"
)

var ErrInvalidMedia = errors.New("rtmp: invalid media message")

// Tag is the media header at the front of an FLV audio or video tag body.
type Tag struct {
	/*
		SoundFormat: UB[4]
		2 = MP3
		10 = AAC
		11 = Speex
	*/
	soundFormat uint8

	/*
		0: AAC sequence header
		1: AAC raw
	*/
	aacPacketType uint8

	/*
		1: keyframe (for AVC, a seekable frame)
		2: inter frame (for AVC, a non- seekable frame)
		3: disposable inter frame (H.263 only)
		4: generated keyframe (reserved for server use only)
		5: video info/command frame
	*/
	frameType uint8

	/*
		7: AVC
	*/
	codecID uint8

	/*
		0: AVC sequence header
		1: AVC NALU
		2: AVC end of sequence
	*/
	avcPacketType uint8

	compositionTime int32
}

func (tag *Tag) SoundFormat() uint8 {
	return tag.soundFormat
}

func (tag *Tag) AACPacketType() uint8 {
	return tag.aacPacketType
}

func (tag *Tag) FrameType() uint8 {
	return tag.frameType
}

func (tag *Tag) CodecID() uint8 {
	return tag.codecID
}

func (tag *Tag) AVCPacketType() uint8 {
	return tag.avcPacketType
}

func (tag *Tag) CompositionTime() int32 {
	return tag.compositionTime
}

func (tag *Tag) IsKeyFrame() bool {
	return tag.frameType == FRAME_KEY || tag.frameType == FRAME_GENERATED_KEY
}

func (tag *Tag) IsAudioSeq() bool {
	return tag.soundFormat == SOUND_AAC && tag.aacPacketType == AAC_SEQHDR
}

func (tag *Tag) IsVideoSeq() bool {
	return tag.codecID == VIDEO_H264 && tag.avcPacketType == AVC_SEQHDR
}

// ParseMediaTagHeader parses the audio or video tag header and returns the
// number of bytes it takes.
func (tag *Tag) ParseMediaTagHeader(b []byte, isVideo bool) (int, error) {
	if isVideo {
		return tag.parseVideoHeader(b)
	}
	return tag.parseAudioHeader(b)
}

func (tag *Tag) parseAudioHeader(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errors.Wrapf(ErrInvalidMedia, "audio data len=%d", len(b))
	}
	tag.soundFormat = b[0] >> 4
	n := 1
	if tag.soundFormat == SOUND_AAC {
		if len(b) < 2 {
			return 0, errors.Wrapf(ErrInvalidMedia, "aac data len=%d", len(b))
		}
		tag.aacPacketType = b[1]
		n++
	}
	return n, nil
}

func (tag *Tag) parseVideoHeader(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errors.Wrapf(ErrInvalidMedia, "video data len=%d", len(b))
	}
	tag.frameType = b[0] >> 4
	tag.codecID = b[0] & 0xf
	n := 1
	if tag.codecID == VIDEO_H264 && tag.frameType != FRAME_INFO {
		if len(b) < 5 {
			return 0, errors.Wrapf(ErrInvalidMedia, "avc data len=%d", len(b))
		}
		tag.avcPacketType = b[1]
		for i := 2; i < 5; i++ {
			tag.compositionTime = tag.compositionTime<<8 + int32(b[i])
		}
		// composition time is a signed 24 bit value
		if tag.compositionTime&0x800000 != 0 {
			tag.compositionTime -= 0x1000000
		}
		n += 4
	}
	return n, nil
}

// Classify decides the sample kind of a media message.
//
// AAC sequence headers must carry a valid AudioSpecificConfig and AVC NALU
// payloads must split into length prefixed NAL units. A video message is a
// keyframe when its frame type says so or when it carries an IDR picture.
func Classify(media live.MediaType, payload []byte) (live.SampleKind, error) {
	var tag Tag
	switch media {
	case live.MediaAudio:
		n, err := tag.ParseMediaTagHeader(payload, false)
		if err != nil {
			return 0, err
		}
		if !tag.IsAudioSeq() {
			return live.SampleFrame, nil
		}
		var config mpeg4audio.AudioSpecificConfig
		if err := config.Unmarshal(payload[n:]); err != nil {
			return 0, errors.Wrapf(ErrInvalidMedia, "aac sequence header: %v", err)
		}
		return live.SampleSequenceHeader, nil
	case live.MediaVideo:
		n, err := tag.ParseMediaTagHeader(payload, true)
		if err != nil {
			return 0, err
		}
		if tag.codecID != VIDEO_H264 {
			if tag.IsKeyFrame() {
				return live.SampleKeyframe, nil
			}
			return live.SampleFrame, nil
		}
		switch tag.avcPacketType {
		case AVC_SEQHDR:
			return live.SampleSequenceHeader, nil
		case AVC_NALU:
			var au h264.AVCC
			if err := au.Unmarshal(payload[n:]); err != nil {
				return 0, errors.Wrapf(ErrInvalidMedia, "avc nalu: %v", err)
			}
			if tag.IsKeyFrame() || hasIDR(au) {
				return live.SampleKeyframe, nil
			}
			return live.SampleFrame, nil
		}
		return live.SampleFrame, nil
	case live.MediaData:
		name, err := dataName(payload)
		if err != nil {
			return 0, err
		}
		if name == onMetaData {
			return live.SampleMetadata, nil
		}
		return live.SampleFrame, nil
	}
	return 0, errors.Wrapf(ErrInvalidMedia, "media type %d", media)
}

func hasIDR(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// dataName returns the handler name of a data message, skipping the
// @setDataFrame wrapper.
func dataName(payload []byte) (string, error) {
	decoder := &amf.Decoder{}
	r := bytes.NewReader(payload)
	for i := 0; i < 2; i++ {
		v, err := decoder.DecodeAmf0(r)
		if err != nil && err != io.EOF {
			return "", errors.Wrapf(ErrInvalidMedia, "data message: %v", err)
		}
		name, ok := v.(string)
		if !ok {
			return "", errors.Wrap(ErrInvalidMedia, "data message without a name")
		}
		if name != setDataFrame {
			return name, nil
		}
	}
	return "", errors.Wrap(ErrInvalidMedia, "data message without a name")
}

// normalizeData turns a data message into the form players expect: AMF0,
// without the @setDataFrame wrapper publishers add.
func normalizeData(typeID uint8, payload []byte) ([]byte, error) {
	if typeID == chunk.TypeDataAMF3 {
		if len(payload) == 0 {
			return nil, errors.Wrap(ErrInvalidMedia, "empty amf3 data message")
		}
		payload = payload[1:]
	}
	return amf.MetaDataReform(payload, amf.DEL)
}
