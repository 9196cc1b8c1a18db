package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/xferd/internal/checksum"
	"github.com/jaywantadh/xferd/internal/chunker"
	"github.com/jaywantadh/xferd/internal/compressor"
	"github.com/jaywantadh/xferd/internal/metadata"
	"github.com/jaywantadh/xferd/internal/storage"
	"github.com/jaywantadh/xferd/internal/transfer"
	"github.com/jaywantadh/xferd/internal/transport"
	"github.com/jaywantadh/xferd/pkg/logging"
)

// Error types reported to the sender in Error messages.
const (
	ErrTypeProtocol = "protocol_error"
	ErrTypeStorage  = "storage_error"
	ErrTypeBusy     = "transfer_in_progress"
)

// StateStore persists the receiver's view of each transfer.
type StateStore interface {
	PutReceiveState(state metadata.ReceiveState) error
	GetReceiveState(transferID string) (metadata.ReceiveState, error)
	ListReceiveStates() ([]metadata.ReceiveState, error)
	DeleteReceiveState(transferID string) error
}

// Config holds the receiver limits.
type Config struct {
	MaxFileSize  int64
	MaxChunkSize uint32
}

// Handler is the receiving side of the transfer protocol. One call to Serve
// handles one transfer stream.
type Handler struct {
	cfg    Config
	chunks storage.ChunkStore
	states StateStore
	log    *logrus.Entry
	now    func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// NewHandler creates a receiver storing chunks in chunks and bookkeeping in states.
func NewHandler(cfg Config, chunks storage.ChunkStore, states StateStore) *Handler {
	return &Handler{
		cfg:    cfg,
		chunks: chunks,
		states: states,
		log:    logging.Component("daemon"),
		now:    time.Now,
		active: make(map[string]struct{}),
	}
}

// receive is the per-stream state of one incoming transfer.
type receive struct {
	state  metadata.ReceiveState
	algo   checksum.Algorithm
	stored map[uint32]bool
	log    *logrus.Entry
}

// Serve runs the protocol for one stream until the transfer is verified,
// aborted or the sender goes away. Partial state stays on disk for resume.
func (h *Handler) Serve(ctx context.Context, stream transport.Stream) error {
	defer stream.Close()

	first, err := recv(stream)
	if err != nil {
		return err
	}

	var rx *receive
	switch msg := first.(type) {
	case *transfer.TransferInit:
		if !h.claim(msg.TransferID) {
			return h.sendError(stream, msg.TransferID, ErrTypeBusy, transfer.ErrAlreadyActive.Error())
		}
		defer h.release(msg.TransferID)
		var accept *transfer.TransferAccept
		rx, accept, err = h.start(msg)
		if err != nil {
			return h.sendError(stream, msg.TransferID, ErrTypeStorage, err.Error())
		}
		if err := send(stream, accept); err != nil || !accept.Accepted {
			return err
		}
	case *transfer.ResumeRequest:
		if !h.claim(msg.TransferID) {
			return h.sendError(stream, msg.TransferID, ErrTypeBusy, transfer.ErrAlreadyActive.Error())
		}
		defer h.release(msg.TransferID)
		var status *transfer.ResumeStatus
		rx, status, err = h.resume(msg)
		if err != nil {
			return h.sendError(stream, msg.TransferID, ErrTypeStorage, err.Error())
		}
		if err := send(stream, status); err != nil || !status.Resumable {
			return err
		}
	case *transfer.TransferAbort:
		h.abort(msg)
		return nil
	default:
		return h.sendError(stream, "", ErrTypeProtocol,
			fmt.Sprintf("unexpected %s message at start of stream", first.Type()))
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := recv(stream)
		if err != nil {
			rx.log.WithError(err).Info("Sender went away, keeping partial transfer")
			return nil
		}
		switch m := msg.(type) {
		case *transfer.ChunkData:
			ack, err := h.chunk(rx, m)
			if err != nil {
				return h.sendError(stream, rx.state.TransferID, ErrTypeStorage, err.Error())
			}
			if err := send(stream, ack); err != nil {
				return err
			}
		case *transfer.TransferComplete:
			verify, err := h.complete(rx, m)
			if err != nil {
				return h.sendError(stream, rx.state.TransferID, ErrTypeStorage, err.Error())
			}
			return send(stream, verify)
		case *transfer.TransferAbort:
			h.abort(m)
			return nil
		default:
			return h.sendError(stream, rx.state.TransferID, ErrTypeProtocol,
				fmt.Sprintf("unexpected %s message during transfer", msg.Type()))
		}
	}
}

func (h *Handler) claim(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.active[id]; busy {
		return false
	}
	h.active[id] = struct{}{}
	return true
}

func (h *Handler) release(id string) {
	h.mu.Lock()
	delete(h.active, id)
	h.mu.Unlock()
}

// ActiveTransfers is the number of streams currently being served.
func (h *Handler) ActiveTransfers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

func (h *Handler) start(msg *transfer.TransferInit) (*receive, *transfer.TransferAccept, error) {
	log := h.log.WithFields(logrus.Fields{"transfer_id": msg.TransferID, "file": msg.FileName})
	reject := &transfer.TransferAccept{Header: transfer.NewHeader(msg.TransferID)}

	algo, ok := checksum.GetAlgorithm(msg.DigestAlgorithm)
	switch {
	case !ok:
		log.WithField("algorithm", msg.DigestAlgorithm).Warn("Rejecting transfer, unknown digest algorithm")
		return nil, reject, nil
	case msg.FileSize < 0 || msg.FileSize > h.cfg.MaxFileSize:
		log.Warnf("Rejecting transfer, size %s exceeds maximum %s",
			humanize.IBytes(uint64(max(msg.FileSize, 0))), humanize.IBytes(uint64(h.cfg.MaxFileSize)))
		return nil, reject, nil
	case msg.ProposedChunkSize <= 0:
		log.Warn("Rejecting transfer, no chunk size proposed")
		return nil, reject, nil
	}

	chunkSize := min(msg.ProposedChunkSize, int64(h.cfg.MaxChunkSize))
	var encoding []string
	if lo.Contains(msg.Compression, compressor.Name) {
		encoding = []string{compressor.Name}
	}

	// a fresh init replaces whatever was held under this id
	if err := h.chunks.Cleanup(msg.TransferID); err != nil {
		return nil, nil, fmt.Errorf("failed to reset transfer storage: %w", err)
	}
	state := metadata.ReceiveState{
		TransferID:      msg.TransferID,
		FileName:        msg.FileName,
		FileSize:        msg.FileSize,
		ChunkSize:       chunkSize,
		TotalChunks:     chunker.TotalChunks(msg.FileSize, chunkSize),
		MimeType:        msg.MimeType,
		DigestAlgorithm: string(algo),
		FileDigest:      msg.FileDigest,
		Compression:     lo.FirstOrEmpty(encoding),
		Status:          metadata.ReceiveInProgress,
	}
	if err := h.states.PutReceiveState(state); err != nil {
		return nil, nil, fmt.Errorf("failed to save transfer state: %w", err)
	}
	log.WithFields(logrus.Fields{
		"size":       humanize.IBytes(uint64(msg.FileSize)),
		"chunk_size": chunkSize,
		"chunks":     state.TotalChunks,
	}).Info("Starting transfer")

	return &receive{state: state, algo: algo, stored: make(map[uint32]bool), log: log},
		&transfer.TransferAccept{
			Header:          transfer.NewHeader(msg.TransferID),
			Accepted:        true,
			ResumeSupported: true,
			MaxChunkSize:    h.cfg.MaxChunkSize,
			Compression:     encoding,
		}, nil
}

func (h *Handler) resume(msg *transfer.ResumeRequest) (*receive, *transfer.ResumeStatus, error) {
	log := h.log.WithField("transfer_id", msg.TransferID)
	refuse := &transfer.ResumeStatus{Header: transfer.NewHeader(msg.TransferID)}

	state, err := h.states.GetReceiveState(msg.TransferID)
	if errors.Is(err, metadata.ErrNotFound) {
		log.Info("Resume refused, unknown transfer")
		return nil, refuse, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load transfer state: %w", err)
	}
	algo, _ := checksum.GetAlgorithm(state.DigestAlgorithm)
	reqAlgo, ok := checksum.GetAlgorithm(msg.DigestAlgorithm)
	switch {
	case state.Status == metadata.ReceiveVerified:
		log.Info("Resume refused, transfer already verified")
		return nil, refuse, nil
	case (msg.FileName != "" && msg.FileName != state.FileName) || msg.FileSize != state.FileSize:
		log.Warnf("Resume refused, file mismatch: expected %s/%d, got %s/%d",
			state.FileName, state.FileSize, msg.FileName, msg.FileSize)
		return nil, refuse, nil
	case !ok || reqAlgo != algo:
		log.Warn("Resume refused, digest algorithm changed")
		return nil, refuse, nil
	case msg.FileDigest != "" && state.FileDigest != "" && !checksum.Equal(msg.FileDigest, state.FileDigest):
		log.Warn("Resume refused, file content changed")
		return nil, refuse, nil
	}

	stored, err := h.chunks.ScanChunks(msg.TransferID)
	if err != nil {
		return nil, nil, err
	}
	received := lo.Filter(stored, func(idx uint32, _ int) bool { return idx < state.TotalChunks })
	rx := &receive{state: state, algo: algo, stored: make(map[uint32]bool, len(received)), log: log}
	var receivedBytes int64
	for _, idx := range received {
		rx.stored[idx] = true
		receivedBytes += rx.chunkLength(idx)
	}
	var missing []uint32
	for idx := uint32(0); idx < state.TotalChunks; idx++ {
		if !rx.stored[idx] {
			missing = append(missing, idx)
		}
	}

	var encoding []string
	if lo.Contains(msg.Compression, compressor.Name) {
		encoding = []string{compressor.Name}
	}
	if msg.FileDigest != "" {
		rx.state.FileDigest = msg.FileDigest
	}
	rx.state.Compression = lo.FirstOrEmpty(encoding)
	rx.state.Status = metadata.ReceiveInProgress
	rx.state.ChunksStored = uint32(len(received))
	if err := h.states.PutReceiveState(rx.state); err != nil {
		return nil, nil, fmt.Errorf("failed to save transfer state: %w", err)
	}
	log.WithFields(logrus.Fields{"received": len(received), "missing": len(missing)}).Info("Resuming transfer")

	return rx, &transfer.ResumeStatus{
		Header:         transfer.NewHeader(msg.TransferID),
		Resumable:      true,
		ReceivedChunks: received,
		MissingChunks:  missing,
		NextChunkIndex: lo.FirstOrEmpty(missing),
		ReceivedBytes:  receivedBytes,
		ChunkSize:      state.ChunkSize,
		Compression:    encoding,
	}, nil
}

func (rx *receive) chunkLength(idx uint32) int64 {
	offset := int64(idx) * rx.state.ChunkSize
	return max(min(rx.state.ChunkSize, rx.state.FileSize-offset), 0)
}

func (h *Handler) chunk(rx *receive, msg *transfer.ChunkData) (*transfer.ChunkAck, error) {
	ack := &transfer.ChunkAck{Header: transfer.NewHeader(rx.state.TransferID), Index: msg.Index}
	log := rx.log.WithField("chunk", msg.Index)

	if msg.Index >= rx.state.TotalChunks || msg.Length != rx.chunkLength(msg.Index) {
		log.WithField("length", msg.Length).Warn("Chunk outside the negotiated plan")
		return ack, nil
	}
	data := msg.Payload
	switch msg.Encoding {
	case "":
	case compressor.Name:
		decoded, err := compressor.DecompressChunk(msg.Payload, msg.Length)
		if err != nil {
			log.WithError(err).Warn("Chunk failed to decode")
			ack.Received = true
			return ack, nil
		}
		data = decoded
	default:
		log.WithField("encoding", msg.Encoding).Warn("Chunk uses an unknown encoding")
		return ack, nil
	}
	ack.Received = true
	if int64(len(data)) != msg.Length {
		log.WithField("length", len(data)).Warn("Chunk length mismatch")
		return ack, nil
	}
	digest, err := checksum.Sum(rx.algo, data)
	if err != nil {
		return nil, err
	}
	if !checksum.Equal(digest, msg.Digest) {
		log.Warn("Chunk digest mismatch")
		return ack, nil
	}

	if err := h.chunks.SaveChunk(rx.state.TransferID, msg.Index, data); err != nil {
		return nil, err
	}
	if !rx.stored[msg.Index] {
		rx.stored[msg.Index] = true
		rx.state.ChunksStored++
	}
	if err := h.states.PutReceiveState(rx.state); err != nil {
		return nil, fmt.Errorf("failed to save transfer state: %w", err)
	}
	ack.HashValid = true
	log.Debug("Chunk stored")
	return ack, nil
}

func (h *Handler) complete(rx *receive, msg *transfer.TransferComplete) (*transfer.FinalVerify, error) {
	id := rx.state.TransferID
	verify := &transfer.FinalVerify{
		Header:         transfer.NewHeader(id),
		ReceivedChunks: uint32(len(rx.stored)),
	}
	for idx := range rx.stored {
		verify.ReceivedBytes += rx.chunkLength(idx)
	}

	fail := func(reason string) (*transfer.FinalVerify, error) {
		rx.log.Warn("Verification failed: " + reason)
		rx.state.Status = metadata.ReceiveFailed
		if err := h.states.PutReceiveState(rx.state); err != nil {
			return nil, fmt.Errorf("failed to save transfer state: %w", err)
		}
		return verify, nil
	}

	if uint32(len(rx.stored)) != rx.state.TotalChunks || msg.TotalChunks != rx.state.TotalChunks {
		return fail(fmt.Sprintf("%d of %d chunks held", len(rx.stored), rx.state.TotalChunks))
	}
	if msg.TotalBytes != rx.state.FileSize {
		return fail(fmt.Sprintf("sender reports %d bytes, expected %d", msg.TotalBytes, rx.state.FileSize))
	}

	path, err := h.chunks.Assemble(id, rx.state.FileName, rx.state.TotalChunks)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open assembled file: %w", err)
	}
	digest, err := checksum.SumReader(rx.algo, f)
	f.Close()
	if err != nil {
		return nil, err
	}
	verify.ComputedDigest = digest

	expected := msg.FileDigest
	if expected == "" {
		expected = rx.state.FileDigest
	}
	if !checksum.Equal(digest, expected) {
		os.Remove(path)
		return fail("whole-file digest mismatch")
	}

	if err := h.chunks.RemoveChunks(id); err != nil {
		rx.log.WithError(err).Warn("Failed to remove chunk files")
	}
	rx.state.Status = metadata.ReceiveVerified
	rx.state.SavedPath = path
	if err := h.states.PutReceiveState(rx.state); err != nil {
		return nil, fmt.Errorf("failed to save transfer state: %w", err)
	}
	verify.Verified = true
	verify.SavedPath = path
	rx.log.WithField("saved_path", path).Info("Transfer verified")
	return verify, nil
}

func (h *Handler) abort(msg *transfer.TransferAbort) {
	log := h.log.WithField("transfer_id", msg.TransferID)
	log.WithField("reason", msg.Reason).Warn("Aborting transfer")
	state, err := h.states.GetReceiveState(msg.TransferID)
	if err != nil {
		return
	}
	state.Status = metadata.ReceiveFailed
	if err := h.states.PutReceiveState(state); err != nil {
		log.WithError(err).Warn("Failed to save transfer state")
	}
}

// CleanupExpired removes unfinished transfers idle for longer than maxIdle.
func (h *Handler) CleanupExpired(maxIdle time.Duration) (int, error) {
	states, err := h.states.ListReceiveStates()
	if err != nil {
		return 0, err
	}
	cutoff := h.now().Add(-maxIdle)
	cleaned := 0
	for _, state := range states {
		if state.Status == metadata.ReceiveVerified || !time.Unix(state.UpdatedAt, 0).Before(cutoff) {
			continue
		}
		if !h.claim(state.TransferID) {
			continue
		}
		err := h.chunks.Cleanup(state.TransferID)
		if err == nil {
			err = h.states.DeleteReceiveState(state.TransferID)
		}
		h.release(state.TransferID)
		if err != nil {
			return cleaned, fmt.Errorf("failed to clean up %s: %w", state.TransferID, err)
		}
		h.log.WithField("transfer_id", state.TransferID).Info("Cleaned up expired transfer")
		cleaned++
	}
	return cleaned, nil
}

func (h *Handler) sendError(stream transport.Stream, id, errType, message string) error {
	h.log.WithFields(logrus.Fields{"transfer_id": id, "error_type": errType}).Warn(message)
	return send(stream, &transfer.ErrorMessage{
		Header:       transfer.NewHeader(id),
		ErrorType:    errType,
		ErrorMessage: message,
	})
}

func send(stream transport.Stream, msg transfer.Message) error {
	frame, err := transfer.Encode(msg)
	if err != nil {
		return err
	}
	return stream.Send(frame)
}

func recv(stream transport.Stream) (transfer.Message, error) {
	frame, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	return transfer.Decode(frame)
}
