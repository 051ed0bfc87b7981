package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/losfair/fwboot/fwboot-libs/mailbox"
	"github.com/losfair/fwboot/fwboot-libs/update"
	"go.bug.st/serial"
)

// MaxChunkSize is the largest sendDataPacket payload that fits in one
// mailbox message.
const MaxChunkSize = mailbox.MaxMessageSize - mailbox.RequestHeaderSize - 4

type Caller interface {
	Call(ctx context.Context, req *mailbox.Request) (*mailbox.Response, error)
}

type serialCaller struct {
	client *mailbox.Client
	port   serial.Port
}

func dialSerial(device string, baud int, timeout time.Duration) (*serialCaller, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, err
	}
	return &serialCaller{client: mailbox.NewClient(&timeoutReader{port}), port: port}, nil
}

func (c *serialCaller) Call(ctx context.Context, req *mailbox.Request) (*mailbox.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.client.Call(req)
}

func (c *serialCaller) Close() error {
	return c.port.Close()
}

// timeoutReader turns the zero-length read of an expired serial timeout
// into an error.
type timeoutReader struct {
	serial.Port
}

func (r *timeoutReader) Read(p []byte) (int, error) {
	n, err := r.Port.Read(p)
	if n == 0 && err == nil {
		return 0, errors.New("timed out waiting for the device")
	}
	return n, err
}

// httpCaller talks to the mailbox bridge of the device API server.
type httpCaller struct {
	client   *http.Client
	url      string
	user     string
	password string
}

func newHTTPCaller(baseUrl, user, password string, timeout time.Duration) *httpCaller {
	return &httpCaller{
		client:   &http.Client{Timeout: timeout},
		url:      strings.TrimSuffix(baseUrl, "/") + "/mailbox/call",
		user:     user,
		password: password,
	}
}

func (c *httpCaller) Call(ctx context.Context, req *mailbox.Request) (*mailbox.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(req.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, mailbox.MaxMessageSize+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("device api returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return mailbox.ParseResponse(body)
}

// StatusError is a non-success status returned by the device.
type StatusError struct {
	Service uint16
	Code    update.ErrorCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service 0x%04x failed: %s", e.Service, e.Code)
}

type Device struct {
	caller Caller
}

func NewDevice(caller Caller) *Device {
	return &Device{caller: caller}
}

func (d *Device) call(ctx context.Context, service, attribute uint16, payload []byte) (*mailbox.Response, error) {
	resp, err := d.caller.Call(ctx, &mailbox.Request{
		Class:     update.ClassFirmwareUpdate,
		Service:   service,
		Attribute: attribute,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}
	if code := update.ErrorCode(resp.Status); code != update.Success {
		return resp, &StatusError{Service: service, Code: code}
	}
	return resp, nil
}

func (d *Device) RemainInBootloader(ctx context.Context) error {
	_, err := d.call(ctx, update.ServiceRemainInBootloader, 0, nil)
	return err
}

func (d *Device) RequestBootDelay(ctx context.Context) error {
	_, err := d.call(ctx, update.ServiceRequestBootDelay, 0, nil)
	return err
}

func (d *Device) SendCommand(ctx context.Context, command string) error {
	_, err := d.call(ctx, update.ServiceSendCommand, 0, (&mailbox.Encoder{}).String(command).Bytes())
	return err
}

// ExecutingImage reports whether the device runs its boot or runtime image.
func (d *Device) ExecutingImage(ctx context.Context) (uint32, error) {
	resp, err := d.call(ctx, update.ServiceGetAttribute, update.AttrExecutingImageType, nil)
	if err != nil {
		return 0, err
	}
	dec := mailbox.NewDecoder(resp.Payload)
	v := dec.Uint32()
	return v, dec.Err()
}

func (d *Device) EnableEvents(ctx context.Context, on bool) error {
	payload := (&mailbox.Encoder{}).Uint32(update.FirmwareUpdateEvent).Bool(on).Bytes()
	_, err := d.call(ctx, update.ServiceSetAttribute, update.AttrEventQueueEnabled, payload)
	return err
}

// NextEvent pops the device event queue. ok is false when it is empty.
func (d *Device) NextEvent(ctx context.Context) (result update.ErrorCode, ok bool, err error) {
	resp, err := d.call(ctx, update.ServiceGetAttribute, update.AttrNextQueuedEvent, nil)
	if err != nil {
		return 0, false, err
	}
	dec := mailbox.NewDecoder(resp.Payload)
	code := dec.Uint32()
	state := dec.Sequence()
	if err := dec.Err(); err != nil {
		return 0, false, err
	}
	if code == update.NullEvent || len(state) == 0 {
		return 0, false, nil
	}
	return update.ErrorCode(state[0]), true, nil
}

type Upload struct {
	Image    uint32
	Command  string
	Revision uint32
	Data     []byte
	// Defaults to MaxChunkSize.
	ChunkSize int
	// Called after each accepted chunk.
	Progress func(sent, total int)
}

// Upload runs a whole firmware update session. The activation result of
// the last packet comes back as a *StatusError when it is not Success.
func (d *Device) Upload(ctx context.Context, u *Upload) error {
	chunkSize := u.ChunkSize
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	if len(u.Data) == 0 {
		return errors.New("image is empty")
	}

	start := (&mailbox.Encoder{}).
		Uint32(u.Image).
		String(u.Command).
		Uint32(uint32(len(u.Data))).
		Uint32(u.Revision).
		Uint32(crc32.ChecksumIEEE(u.Data)).
		Bytes()
	_, err := d.call(ctx, update.ServiceStartFirmwareUpdate, 0, start)
	var statusErr *StatusError
	// a stale session on the device is replaced by this one
	if err != nil && !(errors.As(err, &statusErr) && statusErr.Code == update.UpdateAlreadyInProgress) {
		return err
	}

	for sent := 0; sent < len(u.Data); {
		end := sent + chunkSize
		if end > len(u.Data) {
			end = len(u.Data)
		}
		payload := (&mailbox.Encoder{}).Sequence(u.Data[sent:end]).Bytes()
		if _, err := d.call(ctx, update.ServiceSendDataPacket, 0, payload); err != nil {
			return err
		}
		sent = end
		if u.Progress != nil {
			u.Progress(sent, len(u.Data))
		}
	}
	return nil
}
