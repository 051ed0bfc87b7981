package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/losfair/fwboot/fwboot-libs/board"
	"github.com/losfair/fwboot/fwboot-libs/classify"
	"github.com/losfair/fwboot/fwboot-libs/concurrency"
	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/flash"
	"github.com/losfair/fwboot/fwboot-libs/icap"
	"github.com/losfair/fwboot/fwboot-libs/ledger"
	"github.com/losfair/fwboot/fwboot-libs/mailbox"
	"github.com/losfair/fwboot/fwboot-libs/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type zeroRegisters struct{}

func (zeroRegisters) ReadRegister(ctx context.Context, reg icap.Register) (uint16, error) {
	return 0, nil
}

type recordingRunner struct {
	out     io.Writer
	scripts []string
	err     error
}

func (r *recordingRunner) Execute(ctx context.Context, script string) error {
	r.scripts = append(r.scripts, script)
	io.WriteString(r.out, "ran "+script+"\n")
	return r.err
}

type nopExecutor struct{}

func (nopExecutor) Execute(ctx context.Context, command string) error {
	return nil
}

type testServer struct {
	api     *ApiServer
	handler http.Handler
	service *update.Service
	runner  *recordingRunner
}

func newTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	dev := flash.NewMem(0x100000, 0x10000, 0)
	e := env.New(map[string]string{"imagecrcsstart": "870F0000"})
	l := ledger.New(logger, dev, e, ledger.Config{
		Images:    []string{"fpga", "kern"},
		FlashBase: 0x87000000,
	})

	layout, err := board.LookupPreset("none")
	require.NoError(t, err)
	cls := classify.New(logger, zeroRegisters{}, board.New(nil, layout), classify.Config{})

	session := update.NewSession(logger, l, nopExecutor{}, make([]byte, 4096))
	bridge := mailbox.NewBridge()
	service := update.NewService(logger, session, nopExecutor{}, bridge)

	output := &bytes.Buffer{}
	runner := &recordingRunner{out: output}
	api := &ApiServer{
		Logger: logger,
		Config: &ApiServerConfig{
			ClientKeys: []ClientKey{
				{Id: "ops", Secret: "s3cret", Scopes: []string{"status", "update", "shell"}},
				{Id: "viewer", Secret: "view", Scopes: []string{"status"}},
			},
		},
		Classifier:  cls,
		Ledger:      l,
		Session:     session,
		Bridge:      bridge,
		Shell:       runner,
		ShellOutput: output,
	}
	return &testServer{api: api, handler: api.Handler(), service: service, runner: runner}
}

func (s *testServer) do(method, path, user, password string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// serve answers mailbox requests in the background until the test ends.
func (s *testServer) serve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.service.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestScopes(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, 401, s.do("GET", "/status/boot", "", "", nil).Code)
	require.Equal(t, 401, s.do("GET", "/status/boot", "ops", "wrong", nil).Code)
	require.Equal(t, 200, s.do("GET", "/status/boot", "viewer", "view", nil).Code)
	require.Equal(t, 401, s.do("POST", "/mailbox/call", "viewer", "view", nil).Code)
	require.Equal(t, 401, s.do("POST", "/shell/run", "viewer", "view", []byte("imls")).Code)
}

func TestDisabledApisAreNotRouted(t *testing.T) {
	s := newTestServer(t)
	s.api.Config.ClientKeys = []ClientKey{{Id: "viewer", Secret: "view", Scopes: []string{"status"}}}
	handler := s.api.Handler()

	req := httptest.NewRequest("POST", "/shell/run", strings.NewReader("imls"))
	req.SetBasicAuth("viewer", "view")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestBootStatus(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("GET", "/status/boot", "ops", "s3cret", nil)
	require.Equal(t, 200, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, []string{"golden", "production", "fallback"}, body["classification"])
	require.Equal(t, false, body["host_requested"])
}

func TestBootStatusDuringBoot(t *testing.T) {
	s := newTestServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rec := s.do("GET", "/status/boot", "viewer", "view", nil)
			assert.Equal(t, 200, rec.Code)
		}()
		go func() {
			defer wg.Done()
			s.api.Classifier.RequestFromHost()
			s.api.Classifier.Classify(context.Background())
		}()
	}
	wg.Wait()

	var body map[string]interface{}
	rec := s.do("GET", "/status/boot", "viewer", "view", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "golden", body["classification"])
	require.Equal(t, true, body["host_requested"])
}

func TestImagesStatus(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.api.Ledger.Commit(0, ledger.Record{Revision: 5, Length: 16, CRC: 1}))

	rec := s.do("GET", "/status/images", "viewer", "view", nil)
	require.Equal(t, 200, rec.Code)

	var body struct {
		Images   []ledger.Entry `json:"images"`
		Coherent bool           `json:"coherent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Images, 2)
	require.False(t, body.Coherent)
}

func TestCRCSweep(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, 404, s.do("GET", "/status/crcs", "viewer", "view", nil).Code)

	release := make(chan struct{})
	s.api.CRCs = concurrency.Go(func() CRCReport {
		<-release
		return CRCReport{
			Ledger:  errorList(errors.New("kern: image crc mismatch")),
			Runtime: errorList(nil),
			Golden:  errorList(nil),
		}
	})
	require.Equal(t, 503, s.do("GET", "/status/crcs", "viewer", "view", nil).Code)

	close(release)
	s.api.CRCs.Wait()
	rec := s.do("GET", "/status/crcs", "viewer", "view", nil)
	require.Equal(t, 200, rec.Code)
	var report CRCReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, []string{"kern: image crc mismatch"}, report.Ledger)
	require.Empty(t, report.Runtime)
}

func TestMailboxCallRunsUpdate(t *testing.T) {
	s := newTestServer(t)
	s.serve(t)

	image := []byte("a tiny kernel image")
	crc := crc32.ChecksumIEEE(image)

	call := func(req *mailbox.Request) *mailbox.Response {
		rec := s.do("POST", "/mailbox/call", "ops", "s3cret", req.Encode())
		require.Equal(t, 200, rec.Code, rec.Body.String())
		require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
		resp, err := mailbox.ParseResponse(rec.Body.Bytes())
		require.NoError(t, err)
		return resp
	}

	start := (&mailbox.Encoder{}).
		Uint32(1).
		String("true").
		Uint32(uint32(len(image))).
		Uint32(9).
		Uint32(crc).
		Bytes()
	resp := call(&mailbox.Request{
		Class:   update.ClassFirmwareUpdate,
		Service: update.ServiceStartFirmwareUpdate,
		Payload: start,
	})
	require.Equal(t, uint16(update.Success), resp.Status)

	resp = call(&mailbox.Request{
		Class:   update.ClassFirmwareUpdate,
		Service: update.ServiceSendDataPacket,
		Payload: (&mailbox.Encoder{}).Sequence(image).Bytes(),
	})
	require.Equal(t, uint16(update.Success), resp.Status)

	r, err := s.api.Ledger.Read(1)
	require.NoError(t, err)
	require.Equal(t, ledger.Record{Revision: 9, Length: uint32(len(image)), CRC: crc}, r)

	rec := s.do("GET", "/status/update", "ops", "s3cret", nil)
	require.Equal(t, 200, rec.Code)
	var status update.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "kern", status.Image)
	require.Equal(t, update.Success.String(), status.LastResult)
}

func TestMailboxCallTooLarge(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("POST", "/mailbox/call", "ops", "s3cret", make([]byte, mailbox.MaxMessageSize+1))
	require.Equal(t, 400, rec.Code)
}

func TestMailboxCallWithoutService(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/mailbox/call", bytes.NewReader((&mailbox.Request{Class: update.ClassAvbSystem}).Encode()))
	req.SetBasicAuth("ops", "s3cret")
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req.WithContext(ctx))
	require.Equal(t, 503, rec.Code)
}

func TestMailboxCallBusy(t *testing.T) {
	s := newTestServer(t)

	// nothing serves the bridge, so the first call parks in it
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inFlight := make(chan struct{})
	go func() {
		close(inFlight)
		s.api.Bridge.Call(ctx, (&mailbox.Request{Class: update.ClassAvbSystem}).Encode())
	}()
	<-inFlight

	require.Eventually(t, func() bool {
		req := httptest.NewRequest("POST", "/mailbox/call", bytes.NewReader((&mailbox.Request{Class: update.ClassAvbSystem}).Encode()))
		req.SetBasicAuth("ops", "s3cret")
		reqCtx, reqCancel := context.WithTimeout(req.Context(), 20*time.Millisecond)
		defer reqCancel()
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req.WithContext(reqCtx))
		return rec.Code == 409
	}, time.Second, 5*time.Millisecond)
}

func TestRunScript(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("POST", "/shell/run", "ops", "s3cret", []byte("imls"))
	require.Equal(t, 200, rec.Code)
	var body struct {
		Success bool   `json:"success"`
		Output  string `json:"output"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, "ran imls\n", body.Output)

	// output of earlier runs is not repeated
	s.runner.err = errors.New("unknown command 'bogus'")
	rec = s.do("POST", "/shell/run", "ops", "s3cret", []byte("bogus"))
	require.Equal(t, 500, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Equal(t, "ran bogus\n", body.Output)
	require.Equal(t, []string{"imls", "bogus"}, s.runner.scripts)
}

func TestRunScriptIsExclusive(t *testing.T) {
	s := newTestServer(t)

	shellLock.Lock()
	rec := s.do("POST", "/shell/run", "ops", "s3cret", []byte("imls"))
	shellLock.Unlock()
	require.Equal(t, 409, rec.Code)
	require.Empty(t, s.runner.scripts)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("GET", "/metrics", "", "", nil)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
