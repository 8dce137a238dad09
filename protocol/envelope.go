package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

type MessageType uint8

const (
	MessageTypeFrame         MessageType = 1
	MessageTypeInput         MessageType = 2
	MessageTypeAck           MessageType = 3
	MessageTypeResyncRequest MessageType = 4
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeFrame:
		return "frame"
	case MessageTypeInput:
		return "input"
	case MessageTypeAck:
		return "ack"
	case MessageTypeResyncRequest:
		return "resync_request"
	default:
		return fmt.Sprintf("message(%d)", uint8(self))
	}
}

// Message is any value carried by the transport.
// `*Frame` flows server to client. The others flow client to server.
type Message interface {
	isMessage()
}

// Input is one user input event, client to server.
type Input struct {
	// client clock, unix milli
	TimeMillis uint64
	Event      InputEvent
}

// Ack confirms that the frame with the sequence number was integrated.
type Ack struct {
	SequenceNumber uint64
}

// ResyncRequest asks the server for a full frame.
type ResyncRequest struct {
	// the last frame the client integrated, 0 if none
	LastSequenceNumber uint64
	Reason             string
}

func (self *Frame) isMessage()         {}
func (self *Input) isMessage()         {}
func (self *Ack) isMessage()           {}
func (self *ResyncRequest) isMessage() {}

type Envelope struct {
	MessageType  MessageType
	MessageBytes []byte
}

func ToEnvelope(message Message) (*Envelope, error) {
	var messageType MessageType
	var b []byte
	switch v := message.(type) {
	case *Frame:
		messageType = MessageTypeFrame
		var err error
		b, err = EncodeFrame(v)
		if err != nil {
			return nil, err
		}
	case *Input:
		messageType = MessageTypeInput
		if v.Event == nil {
			return nil, fmt.Errorf("Input has no event.")
		}
		b = appendVarintField(b, 1, v.TimeMillis)
		b = appendVarintField(b, 2, uint64(v.Event.InputKind()))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendInputEvent(nil, v.Event))
	case *Ack:
		messageType = MessageTypeAck
		b = appendVarintField(b, 1, v.SequenceNumber)
	case *ResyncRequest:
		messageType = MessageTypeResyncRequest
		b = appendVarintField(b, 1, v.LastSequenceNumber)
		b = appendStringField(b, 2, v.Reason)
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	return &Envelope{
		MessageType:  messageType,
		MessageBytes: b,
	}, nil
}

func RequireToEnvelope(message Message) *Envelope {
	envelope, err := ToEnvelope(message)
	if err != nil {
		panic(err)
	}
	return envelope
}

func FromEnvelope(envelope *Envelope, settings *DecodeSettings) (Message, error) {
	d := newDecoder(settings)
	return d.message(envelope.MessageType, envelope.MessageBytes, 0)
}

func EncodeMessage(message Message) ([]byte, error) {
	envelope, err := ToEnvelope(message)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = appendVarintField(b, 1, uint64(envelope.MessageType))
	b = appendBytesField(b, 2, envelope.MessageBytes)
	return b, nil
}

func RequireEncodeMessage(message Message) []byte {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeMessage decodes an envelope and its message.
// Byte payloads of the message alias `b`.
func DecodeMessage(b []byte, settings *DecodeSettings) (Message, error) {
	d := newDecoder(settings)
	var messageType MessageType
	var messageBytes []byte
	messageOffset := 0
	err := d.eachField(b, 0, func(f *field) error {
		switch f.num {
		case 1:
			v, err := d.uint(f, math.MaxUint8)
			messageType = MessageType(v)
			return err
		case 2:
			if err := d.expect(f, protowire.BytesType); err != nil {
				return err
			}
			messageBytes = f.bytes
			messageOffset = f.valueOffset
			return nil
		default:
			return d.unknown(f, "envelope")
		}
	})
	if err != nil {
		return nil, err
	}
	return d.message(messageType, messageBytes, messageOffset)
}

func (self *decoder) message(messageType MessageType, b []byte, base int) (Message, error) {
	switch messageType {
	case MessageTypeFrame:
		frame, err := self.frame(b, base)
		if err != nil {
			return nil, err
		}
		return frame, nil
	case MessageTypeInput:
		input, err := self.input(b, base)
		if err != nil {
			return nil, err
		}
		return input, nil
	case MessageTypeAck:
		ack := &Ack{}
		err := self.eachField(b, base, func(f *field) error {
			switch f.num {
			case 1:
				v, err := self.uint(f, math.MaxUint64)
				ack.SequenceNumber = v
				return err
			default:
				return self.unknown(f, "ack")
			}
		})
		if err != nil {
			return nil, err
		}
		return ack, nil
	case MessageTypeResyncRequest:
		resync := &ResyncRequest{}
		err := self.eachField(b, base, func(f *field) error {
			switch f.num {
			case 1:
				v, err := self.uint(f, math.MaxUint64)
				resync.LastSequenceNumber = v
				return err
			case 2:
				if err := self.expect(f, protowire.BytesType); err != nil {
					return err
				}
				resync.Reason = string(f.bytes)
				return nil
			default:
				return self.unknown(f, "resync request")
			}
		})
		if err != nil {
			return nil, err
		}
		return resync, nil
	default:
		return nil, NewDecodeError(base, "unknown message type %d", uint8(messageType))
	}
}

func (self *decoder) input(b []byte, base int) (*Input, error) {
	input := &Input{}
	var kind InputKind
	var eventBytes []byte
	eventOffset := base
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case 1:
			v, err := self.uint(f, math.MaxUint64)
			input.TimeMillis = v
			return err
		case 2:
			v, err := self.uint(f, math.MaxUint8)
			kind = InputKind(v)
			return err
		case 3:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			eventBytes = f.bytes
			eventOffset = f.valueOffset
			return nil
		default:
			return self.unknown(f, "input")
		}
	})
	if err != nil {
		return nil, err
	}
	event, err := self.inputEvent(kind, eventBytes, eventOffset)
	if err != nil {
		return nil, err
	}
	input.Event = event
	return input, nil
}
