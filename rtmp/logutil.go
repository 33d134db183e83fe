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

import "fmt"

type messageOperator string

const (
	rx     messageOperator = "[← 💻  ]"
	tx     messageOperator = "[  💻 →]"
	ack    messageOperator = "[  ✨  ]"
	hs     messageOperator = "[  🤝  ]"
	pub    messageOperator = "[  📝  ]"
	play   messageOperator = "[  ⏯  ]"
	conn   messageOperator = "[  📶  ]"
	stream messageOperator = "[→ 🌊 →]"
	warn   messageOperator = "[  ⚠  ]"
	danger messageOperator = "[  🧨  ]"
	start  messageOperator = "[  ⏱  ]"
	stop   messageOperator = "[  ⏹  ]"
	listen messageOperator = "[  🙉  ]"
	serve  messageOperator = "[  🍽  ]"
)

// Send an RTMP protocol message with an operator
func rtmpServerMessage(msg string, op messageOperator) string {
	return fmt.Sprintf("[rtmp.server] %s (%s)", op, msg)
}

// Send an RTMP protocol message with an operator
func rtmpClientMessage(msg string, op messageOperator) string {
	return fmt.Sprintf("[rtmp.client] %s (%s)", op, msg)
}

// Send an RTMP protocol message with an operator
func rtmpMessage(msg string, op messageOperator) string {
	return fmt.Sprintf("[rtmp] %s (%s)", op, msg)
}

// typeIDString names a message type id for log lines.
func typeIDString(typeID uint8) string {
	switch typeID {
	case 1:
		return "SetChunkSize"
	case 2:
		return "Abort"
	case 3:
		return "Acknowledgement"
	case 4:
		return "UserControl"
	case 5:
		return "WindowAcknowledgementSize"
	case 6:
		return "SetPeerBandwidth"
	case 8:
		return "Audio"
	case 9:
		return "Video"
	case 15:
		return "DataAMF3"
	case 17:
		return "CommandAMF3"
	case 18:
		return "DataAMF0"
	case 20:
		return "CommandAMF0"
	case 22:
		return "Aggregate"
	}
	return fmt.Sprintf("Unknown(%d)", typeID)
}
