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
	"fmt"
	"io"
	"strings"

	"github.com/gwuhaolin/livego/protocol/amf"
	"github.com/kris-nova/logger"
	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/live"
	"github.com/pkg/errors"
)

var ErrCommand = errors.New("rtmp: malformed command")

// ConnectInfo is what a client announces in its connect command.
type ConnectInfo struct {
	App            string
	Flashver       string
	TcURL          string
	ObjectEncoding float64
}

// session runs the command layer of one server side connection and binds
// it to the live service as a publisher or a subscriber.
type session struct {
	conn    *Conn
	service *live.Service
	config  ServerConfig

	info ConnectInfo

	publisher  *live.PublishContext
	subscriber *live.SubscribeContext

	encoder *amf.Encoder
	decoder *amf.Decoder
	bytesw  *bytes.Buffer
}

func newSession(c *Conn, service *live.Service, config ServerConfig) *session {
	return &session{
		conn:    c,
		service: service,
		config:  config,
		encoder: &amf.Encoder{},
		decoder: &amf.Decoder{},
		bytesw:  bytes.NewBuffer(nil),
	}
}

// run handshakes and then reads messages until the connection fails or is
// closed. The bindings are released on return.
func (session *session) run() error {
	defer session.close()
	if err := session.conn.HandshakeServer(); err != nil {
		return errors.Wrap(err, "handshake")
	}
	logger.Debug(rtmpServerMessage(fmt.Sprintf("handshake %s", session.conn.RemoteAddr()), hs))
	for {
		msg, err := session.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := session.handle(msg); err != nil {
			return err
		}
	}
}

func (session *session) handle(msg *chunk.Message) error {
	switch msg.TypeID {
	case chunk.TypeCommandAMF0, chunk.TypeCommandAMF3:
		defer msg.Discard()
		return session.handleCmdMsg(msg)
	case chunk.TypeAudio, chunk.TypeVideo, chunk.TypeDataAMF0, chunk.TypeDataAMF3:
		session.handleMedia(msg)
		return nil
	}
	logger.Debug(rtmpServerMessage(fmt.Sprintf("ignoring %s", typeIDString(msg.TypeID)), rx))
	msg.Discard()
	return nil
}

// handleMedia classifies a publisher's media message and delivers it. The
// message payload is consumed.
func (session *session) handleMedia(msg *chunk.Message) {
	if session.publisher == nil {
		logger.Debug(rtmpServerMessage(fmt.Sprintf("%s from a connection that is not publishing", typeIDString(msg.TypeID)), warn))
		msg.Discard()
		return
	}
	media, _ := live.MediaTypeOf(msg.TypeID)
	payload := msg.Payload
	msg.Payload = nil
	if media == live.MediaData {
		data, err := normalizeData(msg.TypeID, payload.Bytes())
		if err != nil {
			logger.Warning(rtmpServerMessage(fmt.Sprintf("dropping data message: %v", err), warn))
			payload.Discard()
			return
		}
		normalized := session.service.Pool().Acquire(len(data))
		normalized.Write(data)
		payload.Discard()
		payload = normalized
	}
	kind, err := Classify(media, payload.Bytes())
	if err != nil {
		logger.Warning(rtmpServerMessage(fmt.Sprintf("dropping %s message: %v", media, err), warn))
		payload.Discard()
		return
	}
	rented := payload.Freeze(1)
	session.service.Deliver(session.publisher, live.Sample{
		Media:     media,
		Kind:      kind,
		Timestamp: msg.Timestamp,
		Payload:   rented,
	})
	rented.Release()
}

func (session *session) handleCmdMsg(msg *chunk.Message) error {
	data := msg.Bytes()
	if msg.TypeID == chunk.TypeCommandAMF3 {
		if len(data) == 0 {
			return errors.Wrap(ErrCommand, "empty amf3 command")
		}
		data = data[1:]
	}
	vs, err := session.decoder.DecodeBatch(bytes.NewReader(data), amf.AMF0)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "decode command")
	}
	if len(vs) == 0 {
		return errors.Wrap(ErrCommand, "no command name")
	}
	name, ok := vs[0].(string)
	if !ok {
		return errors.Wrapf(ErrCommand, "command name %v", vs[0])
	}
	logger.Debug(rtmpServerMessage(name, rx))
	switch name {
	case CommandConnect:
		return session.connect(msg, vs[1:])
	case CommandCreateStream:
		return session.createStream(msg, vs[1:])
	case CommandPublish:
		return session.publish(msg, vs[1:])
	case CommandPlay:
		return session.play(msg, vs[1:])
	case CommandDeleteStream, CommandCloseStream:
		session.stop()
	case CommandReceiveAudio:
		session.receive(live.MediaAudio, vs[1:])
	case CommandReceiveVideo:
		session.receive(live.MediaVideo, vs[1:])
	case CommandReleaseStream, CommandFCPublish, CommandFCUnpublish, CommandGetStreamLength:
	default:
		logger.Warning(rtmpServerMessage(fmt.Sprintf("unknown command: %s", name), warn))
	}
	return nil
}

func transactionID(vs []interface{}) float64 {
	if len(vs) == 0 {
		return 0
	}
	id, _ := vs[0].(float64)
	return id
}

func argString(vs []interface{}, i int) string {
	if i >= len(vs) {
		return ""
	}
	s, _ := vs[i].(string)
	return s
}

func (session *session) connect(msg *chunk.Message, vs []interface{}) error {
	id := transactionID(vs)
	if len(vs) > 1 {
		if obj, ok := vs[1].(amf.Object); ok {
			if app, ok := obj["app"].(string); ok {
				session.info.App = strings.Trim(app, "/")
			}
			if flashVer, ok := obj["flashVer"].(string); ok {
				session.info.Flashver = flashVer
			}
			if tcURL, ok := obj["tcUrl"].(string); ok {
				session.info.TcURL = tcURL
			}
			if encoding, ok := obj["objectEncoding"].(float64); ok {
				session.info.ObjectEncoding = encoding
			}
		}
	}
	logger.Info(rtmpServerMessage(fmt.Sprintf("connect app=%s tcUrl=%s", session.info.App, session.info.TcURL), conn))

	if err := session.conn.WriteControl(chunk.NewWindowAckSize(session.config.WindowAckSize)); err != nil {
		return err
	}
	if err := session.conn.WriteControl(chunk.NewSetPeerBandwidth(session.config.WindowAckSize, chunk.LimitDynamic)); err != nil {
		return err
	}
	if err := session.conn.SetChunkSize(session.config.ChunkSize); err != nil {
		return err
	}

	resp := make(amf.Object)
	resp["fmsVer"] = "FMS/3,0,1,123"
	resp["capabilities"] = float64(31)

	event := make(amf.Object)
	event["level"] = levelStatus
	event["code"] = StatusConnectSuccess
	event["description"] = "Connection succeeded."
	event["objectEncoding"] = session.info.ObjectEncoding
	return session.writeMsg(msg.StreamID, respResult, id, resp, event)
}

func (session *session) createStream(msg *chunk.Message, vs []interface{}) error {
	return session.writeMsg(msg.StreamID, respResult, transactionID(vs), nil, float64(DefaultStreamID))
}

// streamPath joins the connect app and the stream name, without the query.
func (session *session) streamPath(name string) string {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	return session.info.App + "/" + name
}

func (session *session) publish(msg *chunk.Message, vs []interface{}) error {
	// publish transactionID null name type
	name := argString(vs, 2)
	publishType := argString(vs, 3)
	if publishType == "" {
		publishType = "live"
	}
	path := session.streamPath(name)
	if name == "" || session.publisher != nil || session.subscriber != nil {
		return session.writeStatus(msg.StreamID, levelError, StatusPublishBadName, "Invalid stream name or connection already bound.")
	}
	publisher, result := session.service.Publish(session.conn, path, live.PublishArgs{Type: publishType})
	if result != live.Succeeded {
		logger.Warning(rtmpServerMessage(fmt.Sprintf("publish %s: %s", path, result), warn))
		return session.writeStatus(msg.StreamID, levelError, StatusPublishBadName, result.String())
	}
	session.publisher = publisher
	logger.Info(rtmpServerMessage(fmt.Sprintf("publish %s", path), pub))
	return session.writeStatus(msg.StreamID, levelStatus, StatusPublishStart, "Start publishing.")
}

func (session *session) play(msg *chunk.Message, vs []interface{}) error {
	// play transactionID null name [start duration reset]
	name := argString(vs, 2)
	path := session.streamPath(name)
	if name == "" || session.publisher != nil || session.subscriber != nil {
		return session.writeStatus(msg.StreamID, levelError, StatusPlayFailed, "Invalid stream name or connection already bound.")
	}

	// The statuses go out before the subscription so they precede any media
	// the delivery worker sends.
	if err := session.conn.WriteControl(chunk.NewUserControl(chunk.EventStreamIsRecorded, msg.StreamID)); err != nil {
		return err
	}
	if err := session.conn.WriteControl(chunk.NewUserControl(chunk.EventStreamBegin, msg.StreamID)); err != nil {
		return err
	}
	statuses := []struct{ code, description string }{
		{StatusPlayReset, "Playing and resetting stream."},
		{StatusPlayStart, "Started playing stream."},
		{StatusDataStart, "Started playing stream."},
		{StatusPlayPublishNotify, "Started playing notify."},
	}
	for _, status := range statuses {
		if err := session.writeStatus(msg.StreamID, levelStatus, status.code, status.description); err != nil {
			return err
		}
	}

	subscriber, result := session.service.Play(session.conn, path, live.SubscribeArgs{StreamID: msg.StreamID})
	if result != live.Succeeded {
		logger.Warning(rtmpServerMessage(fmt.Sprintf("play %s: %s", path, result), warn))
		return session.writeStatus(msg.StreamID, levelError, StatusPlayFailed, result.String())
	}
	session.subscriber = subscriber
	session.conn.SetReadTimeout(0)
	logger.Info(rtmpServerMessage(fmt.Sprintf("play %s", path), play))
	return nil
}

func (session *session) receive(media live.MediaType, vs []interface{}) {
	if session.subscriber == nil || len(vs) < 3 {
		return
	}
	enabled, ok := vs[2].(bool)
	if !ok {
		return
	}
	session.subscriber.SetReceive(media, enabled)
}

// stop releases the publisher or subscriber binding, if any.
func (session *session) stop() {
	if session.subscriber != nil {
		session.service.Stop(session.subscriber)
		logger.Info(rtmpServerMessage(fmt.Sprintf("stop playing %s", session.subscriber.Path), stop))
		session.subscriber = nil
	}
	if session.publisher != nil {
		session.service.Unpublish(session.publisher)
		logger.Info(rtmpServerMessage(fmt.Sprintf("stop publishing %s", session.publisher.Path), stop))
		session.publisher = nil
	}
}

func (session *session) close() {
	session.conn.Disconnect()
	session.stop()
	session.conn.release()
}

// UnpublishNotices tells a player the stream it plays lost its publisher:
// a stream EOF event, then NetStream.Play.UnpublishNotify.
func (conn *Conn) UnpublishNotices(sub *live.SubscribeContext) []live.Notice {
	streamID := sub.Args.StreamID
	eof := chunk.NewUserControl(chunk.EventStreamEOF, streamID)
	notices := []live.Notice{{Header: eof.Header, Payload: eof.Payload}}

	var buf bytes.Buffer
	encoder := &amf.Encoder{}
	event := amf.Object{
		"level":       levelStatus,
		"code":        StatusPlayUnpublish,
		"description": "Stream unpublished.",
	}
	for _, v := range []interface{}{onStatus, float64(0), nil, event} {
		if _, err := encoder.Encode(&buf, v, amf.AMF0); err != nil {
			logger.Warning(rtmpServerMessage(fmt.Sprintf("encode unpublish status for %s: %v", sub.Path, err), warn))
			return notices
		}
	}
	return append(notices, live.Notice{
		Header: chunk.Header{
			Format:    chunk.Type0,
			ChannelID: chunk.ChannelCommand,
			TypeID:    chunk.TypeCommandAMF0,
			Length:    uint32(buf.Len()),
			StreamID:  streamID,
		},
		Payload: buf.Bytes(),
	})
}

func (session *session) writeStatus(streamID uint32, level, code, description string) error {
	event := make(amf.Object)
	event["level"] = level
	event["code"] = code
	event["description"] = description
	return session.writeMsg(streamID, onStatus, float64(0), nil, event)
}

func (session *session) writeMsg(streamID uint32, args ...interface{}) error {
	session.bytesw.Reset()
	for _, v := range args {
		if _, err := session.encoder.Encode(session.bytesw, v, amf.AMF0); err != nil {
			return errors.Wrap(err, "encode command")
		}
	}
	if len(args) > 0 {
		logger.Debug(rtmpServerMessage(fmt.Sprintf("%v", args[0]), tx))
	}
	return session.conn.WriteMessage(chunk.Header{
		Format:    chunk.Type0,
		ChannelID: chunk.ChannelCommand,
		TypeID:    chunk.TypeCommandAMF0,
		StreamID:  streamID,
	}, session.bytesw.Bytes())
}
