package transfer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var magic = [4]byte{'X', 'F', 'R', 0x01}

const (
	frameHeaderSize = 9
	// MaxFrameBody bounds a single record: a max-size chunk plus its header.
	MaxFrameBody = 64*1024*1024 + 64*1024
)

// ErrMalformedFrame is returned for any record that cannot be parsed.
var ErrMalformedFrame = errors.New("malformed frame")

// Encode frames msg as one record: magic, type, body length, body.
func Encode(msg Message) ([]byte, error) {
	body, err := encodeBody(msg)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize+len(body))
	copy(frame[:4], magic[:])
	frame[4] = byte(msg.Type())
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(body)))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

func encodeBody(msg Message) ([]byte, error) {
	chunk, ok := msg.(*ChunkData)
	if !ok {
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
		}
		return body, nil
	}
	// chunk body: header length, JSON header, raw payload
	hdr, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk header: %w", err)
	}
	body := make([]byte, 4+len(hdr)+len(chunk.Payload))
	binary.BigEndian.PutUint32(body[:4], uint32(len(hdr)))
	copy(body[4:], hdr)
	copy(body[4+len(hdr):], chunk.Payload)
	return body, nil
}

// Decode parses one record produced by Encode.
func Decode(frame []byte) (Message, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("%w: %d byte record", ErrMalformedFrame, len(frame))
	}
	if [4]byte(frame[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %x", ErrMalformedFrame, frame[:4])
	}
	msgType := MessageType(frame[4])
	bodyLen := binary.BigEndian.Uint32(frame[5:9])
	body := frame[frameHeaderSize:]
	if uint32(len(body)) != bodyLen {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrMalformedFrame, len(body), bodyLen)
	}
	return decodeBody(msgType, body)
}

func decodeBody(msgType MessageType, body []byte) (Message, error) {
	var msg Message
	switch msgType {
	case MessageTypeTransferInit:
		msg = &TransferInit{}
	case MessageTypeTransferAccept:
		msg = &TransferAccept{}
	case MessageTypeChunkData:
		return decodeChunk(body)
	case MessageTypeChunkAck:
		msg = &ChunkAck{}
	case MessageTypeTransferComplete:
		msg = &TransferComplete{}
	case MessageTypeFinalVerify:
		msg = &FinalVerify{}
	case MessageTypeResumeRequest:
		msg = &ResumeRequest{}
	case MessageTypeResumeStatus:
		msg = &ResumeStatus{}
	case MessageTypeTransferAbort:
		msg = &TransferAbort{}
	case MessageTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformedFrame, byte(msgType))
	}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, msgType, err)
	}
	return msg, nil
}

func decodeChunk(body []byte) (Message, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: truncated chunk header", ErrMalformedFrame)
	}
	hdrLen := binary.BigEndian.Uint32(body[:4])
	if uint64(hdrLen) > uint64(len(body)-4) {
		return nil, fmt.Errorf("%w: chunk header length %d exceeds body", ErrMalformedFrame, hdrLen)
	}
	chunk := &ChunkData{}
	if err := json.Unmarshal(body[4:4+hdrLen], chunk); err != nil {
		return nil, fmt.Errorf("%w: chunk header: %v", ErrMalformedFrame, err)
	}
	chunk.Payload = body[4+hdrLen:]
	return chunk, nil
}

// WriteFrame writes msg to a plain byte stream.
func WriteFrame(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads the next record from a plain byte stream.
func ReadFrame(r io.Reader) (Message, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if [4]byte(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %x", ErrMalformedFrame, hdr[:4])
	}
	bodyLen := binary.BigEndian.Uint32(hdr[5:9])
	if bodyLen > MaxFrameBody {
		return nil, fmt.Errorf("%w: %d byte body exceeds limit", ErrMalformedFrame, bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return decodeBody(MessageType(hdr[4]), body)
}
