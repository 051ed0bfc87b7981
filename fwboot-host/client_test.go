package main

import (
	"context"
	"hash/crc32"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/flash"
	"github.com/losfair/fwboot/fwboot-libs/ledger"
	"github.com/losfair/fwboot/fwboot-libs/mailbox"
	"github.com/losfair/fwboot/fwboot-libs/update"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingExecutor struct {
	commands []string
}

func (e *countingExecutor) Execute(ctx context.Context, command string) error {
	e.commands = append(e.commands, command)
	return nil
}

type testDevice struct {
	device   *Device
	ledger   *ledger.Ledger
	executor *countingExecutor
	service  *update.Service
}

func newTestDevice(t *testing.T) *testDevice {
	logger := zap.NewNop()
	dev := flash.NewMem(0x100000, 0x10000, 0)
	e := env.New(map[string]string{"imagecrcsstart": "870F0000"})
	l := ledger.New(logger, dev, e, ledger.Config{FlashBase: 0x87000000})

	executor := &countingExecutor{}
	session := update.NewSession(logger, l, executor, make([]byte, 64*1024))
	bridge := mailbox.NewBridge()
	service := update.NewService(logger, session, executor, bridge)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		service.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testDevice{
		device:   NewDevice(&mailbox.BridgeClient{Bridge: bridge}),
		ledger:   l,
		executor: executor,
		service:  service,
	}
}

func TestUploadInChunks(t *testing.T) {
	d := newTestDevice(t)
	ctx := context.Background()

	image := make([]byte, 2000)
	rand.New(rand.NewSource(1)).Read(image)

	var progress []int
	require.NoError(t, d.device.EnableEvents(ctx, true))
	require.NoError(t, d.device.Upload(ctx, &Upload{
		Image:     1,
		Command:   "flash-commit-script",
		Revision:  3,
		Data:      image,
		ChunkSize: 800,
		Progress:  func(sent, total int) { progress = append(progress, sent) },
	}))
	require.Equal(t, []int{800, 1600, 2000}, progress)
	require.Equal(t, []string{"flash-commit-script"}, d.executor.commands)

	r, err := d.ledger.Read(1)
	require.NoError(t, err)
	require.Equal(t, ledger.Record{Revision: 3, Length: 2000, CRC: crc32.ChecksumIEEE(image)}, r)

	code, ok, err := d.device.NextEvent(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, update.Success, code)

	_, ok, err = d.device.NextEvent(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUploadTwiceReportsPresent(t *testing.T) {
	d := newTestDevice(t)
	ctx := context.Background()
	u := &Upload{Image: 2, Command: "x", Revision: 1, Data: []byte("rootfs")}

	require.NoError(t, d.device.Upload(ctx, u))
	err := d.device.Upload(ctx, u)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, update.ImageAlreadyPresent, statusErr.Code)
	require.Equal(t, update.ServiceSendDataPacket, statusErr.Service)
}

func TestUploadClampsChunkSize(t *testing.T) {
	d := newTestDevice(t)
	var progress []int
	require.NoError(t, d.device.Upload(context.Background(), &Upload{
		Image:     0,
		Command:   "x",
		Data:      make([]byte, MaxChunkSize+1),
		ChunkSize: 4096,
		Progress:  func(sent, total int) { progress = append(progress, sent) },
	}))
	require.Equal(t, []int{MaxChunkSize, MaxChunkSize + 1}, progress)
}

func TestUploadRejectsEmptyImage(t *testing.T) {
	d := newTestDevice(t)
	require.Error(t, d.device.Upload(context.Background(), &Upload{Image: 1, Command: "x"}))
}

func TestHostFlags(t *testing.T) {
	d := newTestDevice(t)
	ctx := context.Background()

	require.False(t, d.service.RemainInBootloader())
	require.NoError(t, d.device.RemainInBootloader(ctx))
	require.True(t, d.service.RemainInBootloader())

	require.NoError(t, d.device.RequestBootDelay(ctx))
	require.True(t, d.service.BootDelay())

	require.NoError(t, d.device.SendCommand(ctx, "imls"))
	require.Equal(t, []string{"imls"}, d.executor.commands)

	image, err := d.device.ExecutingImage(ctx)
	require.NoError(t, err)
	require.Equal(t, update.CodeImageBoot, image)
}

func TestHTTPCaller(t *testing.T) {
	var gotUser, gotPassword string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mailbox/call" {
			w.WriteHeader(404)
			return
		}
		gotUser, gotPassword, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		req, err := mailbox.ParseRequest(body)
		if err != nil {
			w.WriteHeader(400)
			return
		}
		status := update.Success
		if req.Service != update.ServiceRequestBootDelay {
			status = update.InvalidServiceCode
		}
		w.Write((&mailbox.Response{Status: uint16(status)}).Encode())
	}))
	defer server.Close()

	d := NewDevice(newHTTPCaller(server.URL+"/", "ops", "s3cret", 0))
	require.NoError(t, d.RequestBootDelay(context.Background()))
	require.Equal(t, "ops", gotUser)
	require.Equal(t, "s3cret", gotPassword)

	var statusErr *StatusError
	require.ErrorAs(t, d.RemainInBootloader(context.Background()), &statusErr)
	require.Equal(t, update.InvalidServiceCode, statusErr.Code)
}

func TestHTTPCallerReportsApiErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":"mailbox call already in progress"}`))
	}))
	defer server.Close()

	d := NewDevice(newHTTPCaller(server.URL, "", "", 0))
	err := d.RequestBootDelay(context.Background())
	require.ErrorContains(t, err, "409")
	require.ErrorContains(t, err, "already in progress")
}

func TestParseImage(t *testing.T) {
	i, err := parseImage("kern")
	require.NoError(t, err)
	require.Equal(t, uint32(1), i)

	i, err = parseImage("0x4")
	require.NoError(t, err)
	require.Equal(t, uint32(4), i)

	_, err = parseImage("bootloader")
	require.Error(t, err)
}
