package update

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/losfair/fwboot/fwboot-libs/mailbox"
	"github.com/losfair/fwboot/fwboot-libs/metrics"
	"go.uber.org/zap"
)

type event struct {
	code  uint32
	state byte
}

// Service answers firmware update RPCs arriving on a mailbox.
type Service struct {
	logger  *zap.Logger
	session *Session
	exec    CommandExecutor
	ch      mailbox.Channel

	// Called when the host asks the device to stay in the bootloader.
	OnRemainInBootloader func()

	mu                 sync.Mutex
	remainInBootloader bool
	bootDelay          bool
	queueEnabled       bool
	pending            *event
	raise              bool
}

func NewService(logger *zap.Logger, session *Session, exec CommandExecutor, ch mailbox.Channel) *Service {
	return &Service{
		logger:  logger.With(zap.String("component", "rpc")),
		session: session,
		exec:    exec,
		ch:      ch,
	}
}

func (s *Service) Session() *Session {
	return s.session
}

func (s *Service) RemainInBootloader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainInBootloader
}

func (s *Service) BootDelay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootDelay
}

func reply(code ErrorCode, payload []byte) *mailbox.Response {
	return &mailbox.Response{Status: uint16(code), Payload: payload}
}

// Handle decodes a raw request and returns the encoded response.
func (s *Service) Handle(ctx context.Context, raw []byte) []byte {
	return s.handle(ctx, raw).Encode()
}

func (s *Service) handle(ctx context.Context, raw []byte) *mailbox.Response {
	req, err := mailbox.ParseRequest(raw)
	if err != nil {
		s.logger.Warn("malformed request", zap.Error(err))
		metrics.MailboxMessages.WithLabelValues("malformed", InvalidServiceCode.String()).Inc()
		return reply(InvalidServiceCode, nil)
	}
	resp := s.HandleRequest(ctx, req)
	metrics.MailboxMessages.WithLabelValues(fmt.Sprint(req.Class), ErrorCode(resp.Status).String()).Inc()
	return resp
}

func (s *Service) HandleRequest(ctx context.Context, req *mailbox.Request) *mailbox.Response {
	switch req.Class {
	case ClassFirmwareUpdate, ClassAvbSystem:
	default:
		s.logger.Warn("request for unknown class", zap.Uint16("class", req.Class))
		return reply(InvalidServiceCode, nil)
	}

	d := mailbox.NewDecoder(req.Payload)
	var resp *mailbox.Response

	switch req.Service {
	case ServiceGetAttribute:
		resp = s.getAttribute(req.Attribute, d)
	case ServiceSetAttribute:
		resp = s.setAttribute(req.Attribute, d)
	case ServiceStartFirmwareUpdate:
		image := d.Uint32()
		command := d.String()
		length := d.Uint32()
		revision := d.Uint32()
		crc := d.Uint32()
		if d.Err() != nil {
			break
		}
		resp = reply(s.session.Start(image, command, length, revision, crc), nil)
	case ServiceSendDataPacket:
		data := d.Sequence()
		if d.Err() != nil {
			break
		}
		code, completed := s.session.SendData(ctx, data)
		if completed {
			s.queueEvent(code)
		}
		resp = reply(code, nil)
	case ServiceSendCommand:
		command := d.String()
		if d.Err() != nil {
			break
		}
		resp = reply(s.sendCommand(ctx, command), nil)
	case ServiceRemainInBootloader:
		s.logger.Info("firmware update requested from host")
		s.mu.Lock()
		s.remainInBootloader = true
		s.mu.Unlock()
		if s.OnRemainInBootloader != nil {
			s.OnRemainInBootloader()
		}
		resp = reply(Success, nil)
	case ServiceRequestBootDelay:
		s.logger.Info("boot delay requested from host")
		s.mu.Lock()
		s.bootDelay = true
		s.mu.Unlock()
		resp = reply(Success, nil)
	default:
		s.logger.Warn("unknown service code", zap.Uint16("service", req.Service))
		return reply(InvalidServiceCode, nil)
	}

	if err := d.Err(); err != nil {
		s.logger.Warn("malformed request payload", zap.Uint16("service", req.Service), zap.Error(err))
		return reply(InvalidServiceCode, nil)
	}
	return resp
}

func (s *Service) sendCommand(ctx context.Context, command string) ErrorCode {
	s.logger.Info("mailbox sendCommand", zap.String("command", command))
	if err := s.exec.Execute(ctx, command); err != nil {
		s.logger.Warn("command failed", zap.String("command", command), zap.Error(err))
		return NotExecuted
	}
	return Success
}

func (s *Service) getAttribute(attr uint16, d *mailbox.Decoder) *mailbox.Response {
	e := &mailbox.Encoder{}
	switch attr {
	case AttrExecutingImageType:
		e.Uint32(CodeImageBoot)
	case AttrEventQueueEnabled:
		d.Uint32()
		s.mu.Lock()
		e.Bool(s.queueEnabled)
		s.mu.Unlock()
	case AttrNextQueuedEvent:
		s.mu.Lock()
		ev := s.pending
		s.pending = nil
		s.mu.Unlock()
		if ev == nil {
			e.Uint32(NullEvent).Sequence(nil)
		} else {
			s.logger.Info("sending firmware update event", zap.Uint8("state", ev.state))
			e.Uint32(ev.code).Sequence([]byte{ev.state})
		}
	default:
		return reply(InvalidAttributeCode, nil)
	}
	return reply(Success, e.Bytes())
}

func (s *Service) setAttribute(attr uint16, d *mailbox.Decoder) *mailbox.Response {
	switch attr {
	case AttrEventQueueEnabled:
		code := d.Uint32()
		enabled := d.Bool()
		if d.Err() != nil {
			return nil
		}
		s.logger.Info("setting event queue", zap.String("event", fmt.Sprintf("%08x", code)), zap.Bool("enabled", enabled))
		s.mu.Lock()
		s.queueEnabled = enabled
		s.mu.Unlock()
		return reply(Success, nil)
	default:
		return reply(InvalidAttributeCode, nil)
	}
}

func (s *Service) queueEvent(code ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.queueEnabled {
		return
	}
	s.pending = &event{code: FirmwareUpdateEvent, state: byte(code)}
	s.raise = true
}

// ServeOnce reads one request, answers it and raises the async trigger if
// an event was queued. Without blocking it returns mailbox.ErrNoMessage
// when the host has nothing to say.
func (s *Service) ServeOnce(ctx context.Context, blocking bool) (ErrorCode, error) {
	buf := make([]byte, mailbox.MaxMessageSize)
	n, err := s.ch.Read(ctx, buf, blocking)
	if err != nil {
		return 0, err
	}

	resp := s.handle(ctx, buf[:n])
	if err := s.ch.Write(resp.Encode()); err != nil {
		return 0, fmt.Errorf("failed to write response: %w", err)
	}
	code := ErrorCode(resp.Status)

	s.mu.Lock()
	raise := s.raise
	s.raise = false
	s.mu.Unlock()
	if raise {
		if err := s.ch.TriggerAsync(); err != nil && !errors.Is(err, mailbox.ErrNoAsync) {
			s.logger.Warn("failed to raise async trigger", zap.Error(err))
		}
	}
	return code, nil
}

// Setup puts the mailbox into a known idle state.
func (s *Service) Setup() error {
	if err := s.ch.Setup(); err != nil {
		return fmt.Errorf("failed to set up mailbox: %w", err)
	}
	return nil
}

// Serve answers requests until ctx is done or the mailbox fails.
// Oversized messages are dropped and serving continues.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.Setup(); err != nil {
		return err
	}
	s.logger.Info("waiting to receive firmware update image")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.ServeOnce(ctx, true)
		if err == nil {
			continue
		}
		if errors.Is(err, mailbox.ErrMessageTooLarge) || errors.Is(err, mailbox.ErrMalformed) {
			s.logger.Warn("dropped mailbox message", zap.Error(err))
			continue
		}
		return err
	}
}
