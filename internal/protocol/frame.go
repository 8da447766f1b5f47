// internal/protocol/frame.go
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameHeaderSize is the fixed size of the framed audio packet header.
const FrameHeaderSize = 16

// DefaultFrameMagic is the default first byte of a framed audio packet;
// profiles may override it.
const DefaultFrameMagic = 0xA1

// ErrInvalidAudioFrame marks a framed packet that failed header validation.
// Recoverable: the frame is dropped and the session continues.
var ErrInvalidAudioFrame = errors.New("invalid audio frame")

// AudioFrame is one decoded framed audio packet. Kind and Flags are reserved
// by the wire format; they are surfaced as-is and never validated.
type AudioFrame struct {
	Magic       byte
	Version     byte
	Kind        byte
	Flags       byte
	Seq         uint32
	TimestampMS uint32
	Payload     []byte
}

// DecodeFrame parses a framed audio packet. The packet is invalid when it is
// shorter than the header, the magic byte mismatches, or the declared
// payload length exceeds the buffer.
func DecodeFrame(packet []byte, magic byte) (*AudioFrame, error) {
	if len(packet) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: packet too short (%d bytes)", ErrInvalidAudioFrame, len(packet))
	}
	if packet[0] != magic {
		return nil, fmt.Errorf("%w: magic 0x%02x", ErrInvalidAudioFrame, packet[0])
	}
	payloadLen := binary.BigEndian.Uint32(packet[12:16])
	if int(payloadLen) > len(packet)-FrameHeaderSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds buffer", ErrInvalidAudioFrame, payloadLen)
	}
	payload := packet[FrameHeaderSize:]
	if payloadLen > 0 {
		payload = packet[FrameHeaderSize : FrameHeaderSize+int(payloadLen)]
	}
	return &AudioFrame{
		Magic:       packet[0],
		Version:     packet[1],
		Kind:        packet[2],
		Flags:       packet[3],
		Seq:         binary.BigEndian.Uint32(packet[4:8]),
		TimestampMS: binary.BigEndian.Uint32(packet[8:12]),
		Payload:     payload,
	}, nil
}

// EncodeFrame builds a framed audio packet from the given audio bytes.
func EncodeFrame(audio []byte, magic byte, seq, timestampMS uint32) []byte {
	packet := make([]byte, FrameHeaderSize+len(audio))
	packet[0] = magic
	packet[1] = 1
	binary.BigEndian.PutUint32(packet[4:8], seq)
	binary.BigEndian.PutUint32(packet[8:12], timestampMS)
	binary.BigEndian.PutUint32(packet[12:16], uint32(len(audio)))
	copy(packet[FrameHeaderSize:], audio)
	return packet
}
