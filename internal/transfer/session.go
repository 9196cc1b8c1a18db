package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/xferd/internal/checksum"
	"github.com/jaywantadh/xferd/internal/chunker"
	"github.com/jaywantadh/xferd/internal/compressor"
	"github.com/jaywantadh/xferd/internal/transport"
)

// State is the protocol phase of a session.
type State int

const (
	StateNegotiating State = iota
	StateResumeNegotiating
	StateTransmitting
	StateVerifying
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateResumeNegotiating:
		return "resume_negotiating"
	case StateTransmitting:
		return "transmitting"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultMaxChunkRetries is how many times a rejected chunk is resent.
const DefaultMaxChunkRetries = 3

// TransferResult is produced exactly once for a verified transfer.
type TransferResult struct {
	TransferID              string
	FileName                string
	FileSize                int64
	SavedPath               string
	DurationMs              int64
	AverageSpeedBytesPerSec float64
}

type sessionConfig struct {
	id         string
	fileName   string
	src        Source
	chunkSize  int64
	maxRetries int
	algo       checksum.Algorithm
	compress   bool
	resume     bool
	now        func() time.Time
}

// Session drives one transfer over one stream. Chunks are sent strictly in
// index order with a single chunk in flight.
type Session struct {
	cfg     sessionConfig
	stream  transport.Stream
	ctx     context.Context
	cancel  context.CancelFunc
	log     *logrus.Entry
	tracker *Tracker
	onProg  func(ProgressSnapshot)

	mu    sync.Mutex
	state State

	sendMu     sync.Mutex
	chunkSize  int64
	chunks     []chunker.Chunk
	acked      []bool
	encode     bool
	fileDigest string
}

func newSession(ctx context.Context, stream transport.Stream, cfg sessionConfig, log *logrus.Entry, onProgress func(ProgressSnapshot)) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:       cfg,
		stream:    stream,
		ctx:       ctx,
		cancel:    cancel,
		log:       log.WithField("transfer_id", cfg.id),
		onProg:    onProgress,
		chunkSize: cfg.chunkSize,
		state:     StateNegotiating,
	}
	if cfg.resume {
		s.state = StateResumeNegotiating
	}
	s.plan(cfg.chunkSize)
	s.tracker = NewTracker(cfg.id, cfg.fileName, cfg.src.Size(), uint32(len(s.chunks)), WithClock(cfg.now))
	return s
}

func (s *Session) ID() string { return s.cfg.id }

func (s *Session) FileName() string { return s.cfg.fileName }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Progress() ProgressSnapshot {
	return s.tracker.Snapshot()
}

// Cancel stops the session. A best-effort TransferAbort is sent before the
// stream is closed, which unblocks any pending receive.
func (s *Session) Cancel() {
	s.cancel()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.WithField("state", state).Debug("Session state changed")
}

func (s *Session) plan(chunkSize int64) {
	s.chunkSize = chunkSize
	s.chunks = chunker.Plan(s.cfg.src.Size(), chunkSize)
	s.acked = make([]bool, len(s.chunks))
}

// Run executes the protocol to completion. The returned error is always a
// *TransferError.
func (s *Session) Run() (*TransferResult, error) {
	finished := make(chan struct{})
	defer s.cancel()
	defer close(finished)
	go s.watchCancel(finished)
	defer s.stream.Close()

	start := s.cfg.now()
	res, terr := s.run(start)
	if terr != nil {
		// closing the stream on cancel surfaces as a network error
		if s.ctx.Err() != nil && terr.Kind == KindNetworkError {
			terr = newError(s.cfg.id, KindCancelled, ErrCancelled)
		}
		s.setState(StateFailed)
		s.log.WithFields(logrus.Fields{"kind": terr.Kind}).WithError(terr).Warn("Transfer failed")
		return nil, terr
	}
	return res, nil
}

// abortGrace bounds how long a cancel waits for an in-progress send before
// closing the stream without notifying the receiver.
const abortGrace = 250 * time.Millisecond

func (s *Session) watchCancel(finished <-chan struct{}) {
	select {
	case <-s.ctx.Done():
	case <-finished:
		return
	}
	select {
	case <-finished:
		return
	default:
	}

	acquired := make(chan struct{})
	go func() {
		s.sendMu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		s.sendAbort("cancelled by client")
		s.stream.Close()
	case <-time.After(abortGrace):
		s.stream.Close()
		<-acquired
	}
	s.sendMu.Unlock()
}

func (s *Session) sendAbort(reason string) {
	abort := &TransferAbort{Header: NewHeader(s.cfg.id), Reason: reason}
	frame, err := Encode(abort)
	if err != nil {
		return
	}
	if err := s.stream.Send(frame); err != nil {
		s.log.WithError(err).Debug("Abort notice not delivered")
	}
}

func (s *Session) run(start time.Time) (*TransferResult, *TransferError) {
	digest, terr := s.digestSource()
	if terr != nil {
		return nil, terr
	}
	s.fileDigest = digest

	var pending []uint32
	if s.cfg.resume {
		pending, terr = s.negotiateResume()
	} else {
		pending, terr = s.negotiate()
	}
	if terr != nil {
		return nil, terr
	}

	if terr := s.transmit(pending); terr != nil {
		return nil, terr
	}
	return s.verify(start)
}

func (s *Session) digestSource() (string, *TransferError) {
	r := io.NewSectionReader(s.cfg.src, 0, s.cfg.src.Size())
	digest, err := checksum.SumReader(s.cfg.algo, r)
	if err != nil {
		return "", newErrorf(s.cfg.id, KindNetworkError, err, "failed to read %s", s.cfg.fileName)
	}
	return digest, nil
}

func (s *Session) offeredEncodings() []string {
	if !s.cfg.compress || compressor.ShouldSkipCompression(s.cfg.fileName) {
		return nil
	}
	return []string{compressor.Name}
}

func (s *Session) negotiate() ([]uint32, *TransferError) {
	offered := s.offeredEncodings()
	msg := &TransferInit{
		Header:            NewHeader(s.cfg.id),
		FileName:          s.cfg.fileName,
		FileSize:          s.cfg.src.Size(),
		ProposedChunkSize: s.chunkSize,
		TotalChunks:       uint32(len(s.chunks)),
		MimeType:          DetectMimeType(s.cfg.src),
		DigestAlgorithm:   string(s.cfg.algo),
		FileDigest:        s.fileDigest,
		Compression:       offered,
	}
	if terr := s.send(msg); terr != nil {
		return nil, terr
	}
	accept, terr := expect[*TransferAccept](s)
	if terr != nil {
		return nil, terr
	}
	if !accept.Accepted {
		return nil, newError(s.cfg.id, KindTransferFailed, ErrRejected)
	}
	if accept.MaxChunkSize > 0 && int64(accept.MaxChunkSize) < s.chunkSize {
		s.log.WithField("chunk_size", accept.MaxChunkSize).Debug("Chunk size capped by receiver")
		s.plan(int64(accept.MaxChunkSize))
	}
	s.encode = len(lo.Intersect(offered, accept.Compression)) > 0
	s.tracker.Resize(uint32(len(s.chunks)))

	pending := make([]uint32, len(s.chunks))
	for i := range s.chunks {
		pending[i] = uint32(i)
	}
	return pending, nil
}

// negotiateResume asks the receiver what it holds. The receiver's missing list
// is authoritative: everything else counts as already acknowledged.
func (s *Session) negotiateResume() ([]uint32, *TransferError) {
	offered := s.offeredEncodings()
	req := &ResumeRequest{
		Header:          NewHeader(s.cfg.id),
		FileName:        s.cfg.fileName,
		FileSize:        s.cfg.src.Size(),
		FileDigest:      s.fileDigest,
		DigestAlgorithm: string(s.cfg.algo),
		Compression:     offered,
	}
	if terr := s.send(req); terr != nil {
		return nil, terr
	}
	status, terr := expect[*ResumeStatus](s)
	if terr != nil {
		return nil, terr
	}
	if !status.Resumable {
		return nil, newError(s.cfg.id, KindResumeFailed, ErrNotResumable)
	}
	if status.ChunkSize > 0 && status.ChunkSize != s.chunkSize {
		s.plan(status.ChunkSize)
	}
	s.encode = len(lo.Intersect(offered, status.Compression)) > 0
	s.tracker.Resize(uint32(len(s.chunks)))

	total := uint32(len(s.chunks))
	inRange := func(idx uint32, _ int) bool { return idx < total }
	missing := lo.Uniq(lo.Filter(status.MissingChunks, inRange))
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	for i := range s.acked {
		s.acked[i] = true
	}
	for _, idx := range missing {
		s.acked[idx] = false
	}
	received := lo.Uniq(lo.Filter(status.ReceivedChunks, inRange))
	if len(received)+len(missing) != int(total) {
		s.log.WithFields(logrus.Fields{
			"received": len(received),
			"missing":  len(missing),
			"total":    total,
		}).Debug("Resume status does not cover every chunk, trusting missing list")
	}
	s.log.WithField("missing", len(missing)).Info("Resuming transfer")
	return missing, nil
}

func (s *Session) transmit(pending []uint32) *TransferError {
	s.setState(StateTransmitting)

	var heldBytes int64
	var held uint32
	for i, ok := range s.acked {
		if ok {
			heldBytes += s.chunks[i].Length
			held++
		}
	}
	s.tracker.Start(heldBytes, held)

	for _, idx := range pending {
		if s.ctx.Err() != nil {
			return newError(s.cfg.id, KindCancelled, ErrCancelled)
		}
		if terr := s.sendChunk(s.chunks[idx]); terr != nil {
			return terr
		}
		s.acked[idx] = true
		s.tracker.Record(s.chunks[idx].Length)
		if s.onProg != nil {
			s.onProg(s.tracker.Snapshot())
		}
	}
	return nil
}

func (s *Session) sendChunk(c chunker.Chunk) *TransferError {
	data, err := chunker.ReadChunk(s.cfg.src, c)
	if err != nil {
		return newErrorf(s.cfg.id, KindNetworkError, err, "failed to read %s", s.cfg.fileName)
	}
	digest, err := checksum.Sum(s.cfg.algo, data)
	if err != nil {
		return newError(s.cfg.id, KindTransferFailed, err)
	}
	msg := &ChunkData{
		Header:  NewHeader(s.cfg.id),
		Index:   c.Index,
		Length:  c.Length,
		Digest:  digest,
		Payload: data,
	}
	if s.encode {
		compressed, ok, err := compressor.CompressChunk(data)
		if err != nil {
			s.log.WithError(err).Debug("Sending chunk uncompressed")
		} else if ok {
			msg.Encoding = compressor.Name
			msg.EncodedLength = int64(len(compressed))
			msg.Payload = compressed
		}
	}

	for attempt := 0; ; attempt++ {
		msg.Timestamp = time.Now().UnixMilli()
		if terr := s.send(msg); terr != nil {
			return terr
		}
		ack, terr := expect[*ChunkAck](s)
		if terr != nil {
			return terr
		}
		if ack.Index != c.Index {
			return newError(s.cfg.id, KindNetworkError,
				fmt.Errorf("received acknowledgment for chunk %d while waiting for chunk %d", ack.Index, c.Index))
		}
		if ack.Received && ack.HashValid {
			return nil
		}
		if attempt >= s.cfg.maxRetries {
			return newError(s.cfg.id, KindTransferFailed,
				fmt.Errorf("chunk %d rejected after %d attempts", c.Index, attempt+1))
		}
		s.log.WithFields(logrus.Fields{"chunk": c.Index, "attempt": attempt + 1}).Warn("Chunk rejected, retrying")
	}
}

func (s *Session) verify(start time.Time) (*TransferResult, *TransferError) {
	for i, ok := range s.acked {
		if !ok {
			return nil, newError(s.cfg.id, KindTransferFailed, fmt.Errorf("chunk %d was never acknowledged", i))
		}
	}
	s.setState(StateVerifying)

	complete := &TransferComplete{
		Header:      NewHeader(s.cfg.id),
		TotalChunks: uint32(len(s.chunks)),
		TotalBytes:  s.cfg.src.Size(),
		FileDigest:  s.fileDigest,
	}
	if terr := s.send(complete); terr != nil {
		return nil, terr
	}
	fv, terr := expect[*FinalVerify](s)
	if terr != nil {
		return nil, terr
	}
	if !fv.Verified {
		return nil, newError(s.cfg.id, KindVerificationFailed, ErrVerificationFailed)
	}

	s.tracker.Finish()
	s.setState(StateCompleted)
	if s.cfg.src.Size() == 0 && s.onProg != nil {
		s.onProg(s.tracker.Snapshot())
	}

	elapsed := s.cfg.now().Sub(start)
	moved := fv.ReceivedBytes
	if moved <= 0 {
		moved = s.cfg.src.Size()
	}
	var avg float64
	if elapsed > 0 {
		avg = float64(moved) / elapsed.Seconds()
	}
	s.log.WithFields(logrus.Fields{
		"saved_path":  fv.SavedPath,
		"bytes":       moved,
		"duration_ms": elapsed.Milliseconds(),
	}).Info("Transfer completed")
	return &TransferResult{
		TransferID:              s.cfg.id,
		FileName:                s.cfg.fileName,
		FileSize:                s.cfg.src.Size(),
		SavedPath:               fv.SavedPath,
		DurationMs:              elapsed.Milliseconds(),
		AverageSpeedBytesPerSec: avg,
	}, nil
}

func (s *Session) send(msg Message) *TransferError {
	frame, err := Encode(msg)
	if err != nil {
		return newError(s.cfg.id, KindTransferFailed, err)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ctx.Err() != nil {
		return newError(s.cfg.id, KindCancelled, ErrCancelled)
	}
	if err := s.stream.Send(frame); err != nil {
		return newErrorf(s.cfg.id, KindNetworkError, err, "failed to send %s", msg.Type())
	}
	return nil
}

func (s *Session) recv() (Message, *TransferError) {
	frame, err := s.stream.Recv()
	if err != nil {
		return nil, newErrorf(s.cfg.id, KindNetworkError, err, "connection lost")
	}
	msg, err := Decode(frame)
	if err != nil {
		return nil, newError(s.cfg.id, KindNetworkError, err)
	}
	if e, ok := msg.(*ErrorMessage); ok {
		return nil, newError(s.cfg.id, KindTransferFailed, daemonError{e})
	}
	return msg, nil
}

// expect receives the next message and requires it to be a T.
func expect[T Message](s *Session) (T, *TransferError) {
	var zero T
	msg, terr := s.recv()
	if terr != nil {
		return zero, terr
	}
	typed, ok := msg.(T)
	if !ok {
		return zero, newError(s.cfg.id, KindNetworkError,
			fmt.Errorf("unexpected %s message while waiting for %s", msg.Type(), zero.Type()))
	}
	return typed, nil
}

// daemonError carries a receiver-reported failure.
type daemonError struct {
	msg *ErrorMessage
}

func (e daemonError) Error() string {
	if e.msg.ErrorMessage == "" {
		return e.msg.ErrorType
	}
	return e.msg.ErrorMessage
}

// IsDaemonError reports whether err was reported by the receiver.
func IsDaemonError(err error) bool {
	var de daemonError
	return errors.As(err, &de)
}
