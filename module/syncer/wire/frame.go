package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"PSync/tools/decode"
)

// Frame type tags. One JSON frame shape for both directions; Payload carries
// the per-type body and is decoded lazily with mapstructure.
type FrameType string

const (
	TypeConn     FrameType = "CONN"     // server: connection established, carries conn_id
	TypeAuth     FrameType = "AUTH"     // client: token handshake
	TypeAck      FrameType = "ACK"      // server: auth/ack result, Code!=0 means refusal
	TypePing     FrameType = "PING"     // heartbeat
	TypePong     FrameType = "PONG"     // heartbeat reply
	TypePresence FrameType = "PRESENCE" // server: friend online/offline transition
	TypeMsg      FrameType = "MSG"      // server: new message push (unread increment)
	TypeCack     FrameType = "CACK"     // client: read acknowledgment, forwarded upstream
	TypeErr      FrameType = "ERR"      // server: terminal error
)

type Frame struct {
	Type      FrameType         `json:"type"`
	TS        int64             `json:"ts,omitempty"` // unix millis at send time
	GatewayID string            `json:"gateway_id,omitempty"`
	ConnID    string            `json:"conn_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Code      int               `json:"code,omitempty"`
	Msg       string            `json:"msg,omitempty"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	// message ids use the full int64 range; decoding payload numbers to
	// float64 would round distinct same-millisecond ids to one value
	dec.UseNumber()
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return f, nil
}

func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ---- typed payloads ----

type AuthPayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	Nonce  string `json:"nonce,omitempty"`
	TS     int64  `json:"ts,omitempty"`
}

type PresencePayload struct {
	FriendUserID string `json:"friend_user_id"`
	Online       bool   `json:"online"`
	TS           int64  `json:"ts"` // event time at the origin, drives last-writer-wins
}

type MsgPayload struct {
	ConvID    string `json:"conv_id"`
	MessageID int64  `json:"message_id"`
	SenderID  string `json:"sender_id,omitempty"`
	TS        int64  `json:"ts,omitempty"`
}

type CackPayload struct {
	ConvID    string `json:"conv_id"`
	ThroughID int64  `json:"through_id"` // read watermark: everything <= this is read
}

func ExtractAuth(f *Frame) (*AuthPayload, error) {
	return decode.DecodeMap[AuthPayload](f.Payload)
}

func ExtractPresence(f *Frame) (*PresencePayload, error) {
	return decode.DecodeMap[PresencePayload](f.Payload)
}

func ExtractMsg(f *Frame) (*MsgPayload, error) {
	return decode.DecodeMap[MsgPayload](f.Payload)
}

func ExtractCack(f *Frame) (*CackPayload, error) {
	return decode.DecodeMap[CackPayload](f.Payload)
}

// ---- builders ----

func nowMS() int64 { return time.Now().UnixMilli() }

func BuildAuth(userID, token string) *Frame {
	return &Frame{
		Type: TypeAuth,
		TS:   nowMS(),
		Payload: map[string]any{
			"user_id": userID,
			"token":   token,
			"ts":      nowMS(),
		},
	}
}

func BuildConnAck(connID, gatewayID string) *Frame {
	return &Frame{Type: TypeConn, TS: nowMS(), ConnID: connID, GatewayID: gatewayID}
}

func BuildAck(connID string, code int, msg string) *Frame {
	return &Frame{Type: TypeAck, TS: nowMS(), ConnID: connID, Code: code, Msg: msg}
}

func BuildPresence(friendUserID string, online bool, tsMS int64) *Frame {
	return &Frame{
		Type: TypePresence,
		TS:   nowMS(),
		Payload: map[string]any{
			"friend_user_id": friendUserID,
			"online":         online,
			"ts":             tsMS,
		},
	}
}

func BuildMsg(convID string, messageID int64, senderID string) *Frame {
	return &Frame{
		Type: TypeMsg,
		TS:   nowMS(),
		Payload: map[string]any{
			"conv_id":    convID,
			"message_id": messageID,
			"sender_id":  senderID,
			"ts":         nowMS(),
		},
	}
}

func BuildCack(convID string, throughID int64) *Frame {
	return &Frame{
		Type: TypeCack,
		TS:   nowMS(),
		Payload: map[string]any{
			"conv_id":    convID,
			"through_id": throughID,
		},
	}
}

func BuildPing() *Frame { return &Frame{Type: TypePing, TS: nowMS()} }
func BuildPong() *Frame { return &Frame{Type: TypePong, TS: nowMS()} }

func BuildErr(code int, msg string) *Frame {
	return &Frame{Type: TypeErr, TS: nowMS(), Code: code, Msg: msg}
}
