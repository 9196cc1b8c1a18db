package transfer

import "time"

// MessageType identifies a wire message in the frame header.
type MessageType byte

const (
	MessageTypeTransferInit     MessageType = 0x01
	MessageTypeTransferAccept   MessageType = 0x02
	MessageTypeChunkData        MessageType = 0x10
	MessageTypeChunkAck         MessageType = 0x11
	MessageTypeTransferComplete MessageType = 0x12
	MessageTypeFinalVerify      MessageType = 0x13
	MessageTypeResumeRequest    MessageType = 0x20
	MessageTypeResumeStatus     MessageType = 0x21
	MessageTypeTransferAbort    MessageType = 0x30
	MessageTypeError            MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeTransferInit:
		return "transfer_init"
	case MessageTypeTransferAccept:
		return "transfer_accept"
	case MessageTypeChunkData:
		return "chunk_data"
	case MessageTypeChunkAck:
		return "chunk_ack"
	case MessageTypeTransferComplete:
		return "transfer_complete"
	case MessageTypeFinalVerify:
		return "final_verify"
	case MessageTypeResumeRequest:
		return "resume_request"
	case MessageTypeResumeStatus:
		return "resume_status"
	case MessageTypeTransferAbort:
		return "transfer_abort"
	case MessageTypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is any wire message.
type Message interface {
	Type() MessageType
}

// Header fields carried by every message.
type Header struct {
	TransferID string `json:"transfer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// TransferInit opens a new transfer.
type TransferInit struct {
	Header
	FileName          string   `json:"file_name"`
	FileSize          int64    `json:"file_size"`
	ProposedChunkSize int64    `json:"proposed_chunk_size"`
	TotalChunks       uint32   `json:"total_chunks"`
	MimeType          string   `json:"mime_type,omitempty"`
	DigestAlgorithm   string   `json:"digest_algorithm,omitempty"`
	FileDigest        string   `json:"file_digest,omitempty"`
	Compression       []string `json:"compression,omitempty"`
}

// TransferAccept answers TransferInit.
type TransferAccept struct {
	Header
	Accepted        bool     `json:"accepted"`
	ResumeSupported bool     `json:"resume_supported"`
	MaxChunkSize    uint32   `json:"max_chunk_size"`
	Compression     []string `json:"compression,omitempty"`
}

// ChunkData carries one chunk. Digest covers the raw (decoded) bytes.
type ChunkData struct {
	Header
	Index    uint32 `json:"index"`
	Length   int64  `json:"length"`
	Digest   string `json:"digest"`
	Encoding      string `json:"encoding,omitempty"`
	EncodedLength int64  `json:"encoded_length,omitempty"`
	Payload       []byte `json:"-"`
}

// ChunkAck answers ChunkData.
type ChunkAck struct {
	Header
	Index     uint32 `json:"index"`
	Received  bool   `json:"received"`
	HashValid bool   `json:"hash_valid"`
}

// TransferComplete tells the receiver all chunks have been sent.
type TransferComplete struct {
	Header
	TotalChunks uint32 `json:"total_chunks"`
	TotalBytes  int64  `json:"total_bytes"`
	FileDigest  string `json:"file_digest"`
}

// FinalVerify reports the whole-file verification outcome.
type FinalVerify struct {
	Header
	Verified       bool   `json:"verified"`
	SavedPath      string `json:"saved_path"`
	ReceivedChunks uint32 `json:"received_chunks"`
	ReceivedBytes  int64  `json:"received_bytes"`
	ComputedDigest string `json:"computed_digest,omitempty"`
}

// ResumeRequest asks the receiver what it already holds for a transfer.
type ResumeRequest struct {
	Header
	FileName        string   `json:"file_name,omitempty"`
	FileSize        int64    `json:"file_size"`
	FileDigest      string   `json:"file_digest,omitempty"`
	DigestAlgorithm string   `json:"digest_algorithm,omitempty"`
	Compression     []string `json:"compression,omitempty"`
}

// ResumeStatus is the receiver's authoritative view of a partial transfer.
type ResumeStatus struct {
	Header
	Resumable      bool     `json:"resumable"`
	ReceivedChunks []uint32 `json:"received_chunks"`
	MissingChunks  []uint32 `json:"missing_chunks"`
	NextChunkIndex uint32   `json:"next_chunk_index"`
	ReceivedBytes  int64    `json:"received_bytes"`
	ChunkSize      int64    `json:"chunk_size,omitempty"`
	Compression    []string `json:"compression,omitempty"`
}

// TransferAbort is a best-effort notice that the sender gave up.
type TransferAbort struct {
	Header
	Reason string `json:"reason"`
}

// ErrorMessage is a receiver-side failure report.
type ErrorMessage struct {
	Header
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

func (*TransferInit) Type() MessageType     { return MessageTypeTransferInit }
func (*TransferAccept) Type() MessageType   { return MessageTypeTransferAccept }
func (*ChunkData) Type() MessageType        { return MessageTypeChunkData }
func (*ChunkAck) Type() MessageType         { return MessageTypeChunkAck }
func (*TransferComplete) Type() MessageType { return MessageTypeTransferComplete }
func (*FinalVerify) Type() MessageType      { return MessageTypeFinalVerify }
func (*ResumeRequest) Type() MessageType    { return MessageTypeResumeRequest }
func (*ResumeStatus) Type() MessageType     { return MessageTypeResumeStatus }
func (*TransferAbort) Type() MessageType    { return MessageTypeTransferAbort }
func (*ErrorMessage) Type() MessageType     { return MessageTypeError }

// NewHeader stamps a header with the current time in milliseconds.
func NewHeader(transferID string) Header {
	return Header{TransferID: transferID, Timestamp: time.Now().UnixMilli()}
}
