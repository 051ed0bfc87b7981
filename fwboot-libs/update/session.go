package update

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/losfair/fwboot/fwboot-libs/ledger"
	"github.com/losfair/fwboot/fwboot-libs/metrics"
	"go.uber.org/zap"
)

// CommandExecutor runs a host supplied shell command. A non-nil error is a
// nonzero exit status.
type CommandExecutor interface {
	Execute(ctx context.Context, command string) error
}

type imageKey struct{}

// ImageFromContext returns the staged image while its activation command
// runs.
func ImageFromContext(ctx context.Context) ([]byte, bool) {
	image, ok := ctx.Value(imageKey{}).([]byte)
	return image, ok
}

type Ledger interface {
	Images() []string
	Read(index int) (ledger.Record, error)
	Commit(index int, r ledger.Record) error
}

type State int

const (
	Idle State = iota
	InProgress
)

func (s State) String() string {
	if s == InProgress {
		return "in-progress"
	}
	return "idle"
}

type Status struct {
	State      State  `json:"state"`
	Image      string `json:"image,omitempty"`
	Length     uint32 `json:"length"`
	Received   uint32 `json:"received"`
	Revision   uint32 `json:"revision"`
	LastResult string `json:"last_result,omitempty"`
}

// Session stages one image at a time and activates it once every byte has
// arrived and the CRC matches.
type Session struct {
	logger  *zap.Logger
	ledger  Ledger
	exec    CommandExecutor
	staging []byte

	mu         sync.Mutex
	inProgress bool
	image      int
	command    string
	record     ledger.Record
	received   uint32
	lastResult *ErrorCode
}

func NewSession(logger *zap.Logger, l Ledger, exec CommandExecutor, staging []byte) *Session {
	return &Session{
		logger:  logger.With(zap.String("component", "update")),
		ledger:  l,
		exec:    exec,
		staging: staging,
	}
}

func (s *Session) Capacity() int {
	return len(s.staging)
}

// Staged returns the bytes of the current or last image.
func (s *Session) Staged() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staging[:s.record.Length]
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:    Idle,
		Length:   s.record.Length,
		Received: s.received,
		Revision: s.record.Revision,
	}
	if s.inProgress {
		st.State = InProgress
	}
	if images := s.ledger.Images(); s.image >= 0 && s.image < len(images) {
		st.Image = images[s.image]
	}
	if s.lastResult != nil {
		st.LastResult = s.lastResult.String()
	}
	return st
}

// Start begins a new session. A session already in progress is replaced,
// and the caller is told so with UpdateAlreadyInProgress. Invalid requests
// leave the current state untouched.
func (s *Session) Start(image uint32, command string, length, revision, crc uint32) ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	images := s.ledger.Images()
	if int(image) >= len(images) {
		s.logger.Warn("startFirmwareUpdate for unknown image", zap.Uint32("image", image))
		return NotExecuted
	}
	if uint64(length) > uint64(len(s.staging)) {
		s.logger.Warn("image does not fit the staging region",
			zap.String("length", humanize.IBytes(uint64(length))),
			zap.String("capacity", humanize.IBytes(uint64(len(s.staging)))))
		return ImageTooLarge
	}

	code := Success
	if s.inProgress {
		code = UpdateAlreadyInProgress
	}

	s.inProgress = true
	s.image = int(image)
	s.command = command
	s.record = ledger.Record{Revision: revision, Length: length, CRC: crc}
	s.received = 0
	metrics.UpdateBytesReceived.Set(0)

	s.logger.Info("got startFirmwareUpdate",
		zap.String("image", images[image]),
		zap.String("command", command),
		zap.Uint32("length", length),
		zap.String("revision", fmt.Sprintf("0x%08x", revision)),
		zap.String("crc", fmt.Sprintf("0x%08x", crc)),
		zap.Stringer("result", code))
	return code
}

// SendData appends a chunk to the staged image. The second return value is
// true when this chunk completed the image and activation ran.
func (s *Session) SendData(ctx context.Context, chunk []byte) (ErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inProgress {
		return UpdateNotInProgress, false
	}
	if uint64(s.received)+uint64(len(chunk)) > uint64(len(s.staging)) {
		s.logger.Warn("data packet overflows the staging region, abandoning update",
			zap.Uint32("received", s.received), zap.Int("chunk", len(chunk)))
		s.inProgress = false
		s.finish(ImageTooLarge)
		return ImageTooLarge, false
	}

	copy(s.staging[s.received:], chunk)
	s.received += uint32(len(chunk))
	metrics.UpdateBytesReceived.Set(float64(s.received))

	if s.received < s.record.Length {
		return Success, false
	}

	s.inProgress = false
	s.logger.Info("received all bytes of image", zap.Uint32("length", s.record.Length), zap.Int("image", s.image))
	code := s.activate(ctx)
	s.finish(code)
	return code, true
}

func (s *Session) finish(code ErrorCode) {
	s.lastResult = &code
	metrics.UpdateResults.WithLabelValues(code.String()).Inc()
}

func (s *Session) activate(ctx context.Context) ErrorCode {
	logger := s.logger.With(zap.String("image", s.ledger.Images()[s.image]))

	crc := crc32.ChecksumIEEE(s.staging[:s.record.Length])
	logger.Info("checking image crc",
		zap.String("calculated", fmt.Sprintf("0x%08x", crc)),
		zap.String("supplied", fmt.Sprintf("0x%08x", s.record.CRC)))
	if crc != s.record.CRC {
		return CorruptImage
	}

	current, err := s.ledger.Read(s.image)
	if err != nil {
		logger.Error("failed to read image record", zap.Error(err))
		return NotExecuted
	}
	if !current.Blank() {
		logger.Warn("image record already present, erase the image CRC partition first", zap.Stringer("record", current))
		return ImageAlreadyPresent
	}

	ctx = context.WithValue(ctx, imageKey{}, s.staging[:s.record.Length])
	if err := s.exec.Execute(ctx, s.command); err != nil {
		logger.Error("update command failed", zap.String("command", s.command), zap.Error(err))
		return NotExecuted
	}

	if err := s.ledger.Commit(s.image, s.record); err != nil {
		logger.Error("failed to write image record", zap.Error(err))
		if errors.Is(err, ledger.ErrAlreadyPresent) {
			return ImageAlreadyPresent
		}
		return NotExecuted
	}
	logger.Info("firmware update complete", zap.Stringer("record", s.record))
	return Success
}
