package session

import (
	"encoding/json"
	"time"
)

// MessageType 消息类型
type MessageType string

const (
	// 服务端 -> 浏览器：解码器控制
	MsgSourceLoad   MessageType = "source_load"
	MsgSourcePlay   MessageType = "source_play"
	MsgSourcePause  MessageType = "source_pause"
	MsgSourceSeek   MessageType = "source_seek"
	MsgSourceVolume MessageType = "source_volume"
	MsgSourceClose  MessageType = "source_close"

	// 服务端 -> 浏览器：状态
	MsgState    MessageType = "state"
	MsgError    MessageType = "error"
	MsgRendered MessageType = "rendered"
	MsgPong     MessageType = "pong"

	// 浏览器 -> 服务端：解码器回报
	MsgSourceReady    MessageType = "source_ready"
	MsgSourceError    MessageType = "source_error"
	MsgSourcePosition MessageType = "source_position"

	// 浏览器 -> 服务端：用户操作
	MsgSetStem MessageType = "set_stem"
	MsgVolume  MessageType = "volume"
	MsgMute    MessageType = "mute"
	MsgSolo    MessageType = "solo"
	MsgOffset  MessageType = "offset"
	MsgPlay    MessageType = "play"
	MsgPause   MessageType = "pause"
	MsgSeek    MessageType = "seek"
	MsgScrub   MessageType = "scrub"
	MsgSubmit  MessageType = "submit"
	MsgPing    MessageType = "ping"
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage marshals data into a timestamped message.
func NewMessage(t MessageType, data any) (*WSMessage, error) {
	msg := &WSMessage{Type: t, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// SourceCommand drives one browser-side decoder. Gen tells the browser which
// load a command belongs to; replies must echo it. Fraction and Volume are
// pointers so that 0 is still sent.
type SourceCommand struct {
	Channel  string   `json:"channel"`
	Gen      uint64   `json:"gen"`
	URL      string   `json:"url,omitempty"`
	Fraction *float64 `json:"fraction,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
}

// SourceReport is the browser's answer for one decoder.
type SourceReport struct {
	Channel  string  `json:"channel"`
	Gen      uint64  `json:"gen"`
	Duration float64 `json:"duration,omitempty"`
	Position float64 `json:"position,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// ControlData carries a user command. Which fields matter depends on the type.
type ControlData struct {
	Channel  string  `json:"channel,omitempty"` // "<trackId>:<kind>"
	TrackID  int64   `json:"trackId,omitempty"`
	Kind     string  `json:"kind,omitempty"`
	Active   bool    `json:"active,omitempty"`
	Value    float64 `json:"value,omitempty"` // volume, offset seconds or seek time
	Fraction float64 `json:"fraction,omitempty"`
	Name     string  `json:"name,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// RenderedData points at a finished render.
type RenderedData struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}
