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
	"context"
	"fmt"
	"io"
	"net"

	"github.com/gwuhaolin/livego/protocol/amf"
	"github.com/kris-nova/logger"
	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/live"
	"github.com/pkg/errors"
)

// ErrStatus is returned when the server answers a command with an error.
var ErrStatus = errors.New("rtmp: command failed")

// Client is the publishing or playing side of an RTMP connection.
type Client struct {
	conn *Conn
	addr *URLAddr

	transactionID float64
	streamID      uint32

	encoder *amf.Encoder
	decoder *amf.Decoder
	bytesw  *bytes.Buffer
}

// Dial connects to rawURL, runs the handshake and the connect command.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	addr, err := NewURLAddr(rawURL)
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, DefaultProtocol, addr.Host())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr.SafeURL())
	}
	client := &Client{
		conn:    NewConn(netConn, DefaultConnConfig()),
		addr:    addr,
		encoder: &amf.Encoder{},
		decoder: &amf.Decoder{},
		bytesw:  bytes.NewBuffer(nil),
	}
	// Unblock the handshake and connect when ctx ends first.
	stop := context.AfterFunc(ctx, client.conn.Disconnect)
	defer stop()
	if err := client.conn.HandshakeClient(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	logger.Debug(rtmpClientMessage(fmt.Sprintf("handshake %s", addr.SafeURL()), hs))
	if err := client.connect(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (client *Client) Conn() *Conn {
	return client.conn
}

func (client *Client) Addr() *URLAddr {
	return client.addr
}

// StreamID is the message stream id returned by createStream.
func (client *Client) StreamID() uint32 {
	return client.streamID
}

func (client *Client) connect() error {
	event := make(amf.Object)
	event["app"] = client.addr.App()
	event["type"] = "nonprivate"
	event["flashVer"] = "FMLE/3.0 (compatible; relay)"
	event["tcUrl"] = client.addr.TcURL()
	event["objectEncoding"] = float64(0)
	if err := client.writeCommand(0, CommandConnect, event); err != nil {
		return err
	}
	if err := client.expect(StatusConnectSuccess); err != nil {
		return err
	}
	logger.Info(rtmpClientMessage(fmt.Sprintf("connected %s", client.addr.SafeURL()), conn))
	return client.conn.SetChunkSize(DefaultChunkSize)
}

func (client *Client) createStream() error {
	if err := client.writeCommand(0, CommandCreateStream, nil); err != nil {
		return err
	}
	return client.expect(respResult)
}

// Publish asks to publish the url's stream.
func (client *Client) Publish() error {
	if err := client.createStream(); err != nil {
		return err
	}
	if err := client.writeCommand(client.streamID, CommandPublish, nil, client.addr.StreamName(), "live"); err != nil {
		return err
	}
	if err := client.expect(StatusPublishStart); err != nil {
		return err
	}
	logger.Info(rtmpClientMessage(fmt.Sprintf("publishing %s", client.addr.Path()), pub))
	return nil
}

// Play asks to play the url's stream. Media follows through ReadMessage.
func (client *Client) Play() error {
	if err := client.createStream(); err != nil {
		return err
	}
	if err := client.writeCommand(client.streamID, CommandPlay, nil, client.addr.StreamName()); err != nil {
		return err
	}
	if err := client.expect(StatusPlayStart); err != nil {
		return err
	}
	logger.Info(rtmpClientMessage(fmt.Sprintf("playing %s", client.addr.Path()), play))
	return nil
}

// ReceiveAudio toggles audio delivery while playing.
func (client *Client) ReceiveAudio(enabled bool) error {
	return client.writeCommand(client.streamID, CommandReceiveAudio, nil, enabled)
}

// ReceiveVideo toggles video delivery while playing.
func (client *Client) ReceiveVideo(enabled bool) error {
	return client.writeCommand(client.streamID, CommandReceiveVideo, nil, enabled)
}

// WriteMedia sends one media message on the published stream.
func (client *Client) WriteMedia(media live.MediaType, timestamp uint32, payload []byte) error {
	channelID := chunk.ChannelData
	switch media {
	case live.MediaAudio:
		channelID = chunk.ChannelAudio
	case live.MediaVideo:
		channelID = chunk.ChannelVideo
	}
	return client.conn.WriteMessage(chunk.Header{
		Format:    chunk.Type0,
		ChannelID: channelID,
		Timestamp: timestamp,
		TypeID:    media.TypeID(),
		StreamID:  client.streamID,
	}, payload)
}

// ReadMessage returns the next message from the server. The caller owns
// the payload.
func (client *Client) ReadMessage() (*chunk.Message, error) {
	return client.conn.ReadMessage()
}

// Close ends the stream and the connection. It must not race ReadMessage.
func (client *Client) Close() error {
	if client.streamID != 0 {
		if err := client.writeCommand(0, CommandDeleteStream, nil, float64(client.streamID)); err != nil {
			logger.Debug(rtmpClientMessage(fmt.Sprintf("deleteStream: %v", err), warn))
		}
		client.streamID = 0
	}
	client.conn.Disconnect()
	client.conn.release()
	return nil
}

func (client *Client) writeCommand(streamID uint32, name string, args ...interface{}) error {
	client.transactionID++
	client.bytesw.Reset()
	values := append([]interface{}{name, client.transactionID}, args...)
	for _, v := range values {
		if _, err := client.encoder.Encode(client.bytesw, v, amf.AMF0); err != nil {
			return errors.Wrapf(err, "encode %s", name)
		}
	}
	logger.Debug(rtmpClientMessage(name, tx))
	return client.conn.WriteMessage(chunk.Header{
		Format:    chunk.Type0,
		ChannelID: chunk.ChannelCommand,
		TypeID:    chunk.TypeCommandAMF0,
		StreamID:  streamID,
	}, client.bytesw.Bytes())
}

// expect reads until the server answers with want, which is either a
// status code or _result. Messages that come before are dropped.
func (client *Client) expect(want string) error {
	for {
		msg, err := client.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msg.TypeID != chunk.TypeCommandAMF0 {
			msg.Discard()
			continue
		}
		vs, err := client.decoder.DecodeBatch(bytes.NewReader(msg.Bytes()), amf.AMF0)
		msg.Discard()
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "decode response")
		}
		if len(vs) == 0 {
			continue
		}
		name, _ := vs[0].(string)
		logger.Debug(rtmpClientMessage(name, rx))
		switch name {
		case respError:
			return errors.Wrapf(ErrStatus, "%v", statusOf(vs))
		case respResult:
			code := statusOf(vs)
			if want == respResult {
				if len(vs) > 3 {
					if id, ok := vs[3].(float64); ok {
						client.streamID = uint32(id)
					}
				}
				return nil
			}
			if code == want {
				return nil
			}
		case onStatus:
			code := statusOf(vs)
			if code == want {
				return nil
			}
			if level, _ := statusField(vs, "level").(string); level == levelError {
				return errors.Wrapf(ErrStatus, "%s", code)
			}
		}
	}
}

func statusField(vs []interface{}, key string) interface{} {
	for _, v := range vs {
		if obj, ok := v.(amf.Object); ok {
			if field, ok := obj[key]; ok {
				return field
			}
		}
	}
	return nil
}

func statusOf(vs []interface{}) string {
	code, _ := statusField(vs, "code").(string)
	return code
}
