package mailbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/losfair/fwboot/fwboot-libs/mmio"
	"github.com/stretchr/testify/require"
)

func TestRequestCodec(t *testing.T) {
	payload := (&Encoder{}).Uint32(1).String("run update").Uint32(1024).Uint32(7).Uint32(0xDEADBEEF).Bytes()
	raw := (&Request{Class: 128, Instance: 0, Service: 0x1000, Payload: payload}).Encode()

	require.Equal(t, uint16(len(raw)), binary.BigEndian.Uint16(raw[0:2]))
	require.Equal(t, []byte{0x00, 0x80}, raw[4:6])
	require.Equal(t, []byte{0x10, 0x00}, raw[8:10])

	// trailing garbage past the length field is ignored
	req, err := ParseRequest(append(raw, 0xEE, 0xEE))
	require.NoError(t, err)
	require.Equal(t, uint16(128), req.Class)
	require.Equal(t, uint16(0x1000), req.Service)

	d := NewDecoder(req.Payload)
	require.Equal(t, uint32(1), d.Uint32())
	require.Equal(t, "run update", d.String())
	require.Equal(t, uint32(1024), d.Uint32())
	require.Equal(t, uint32(7), d.Uint32())
	require.Equal(t, uint32(0xDEADBEEF), d.Uint32())
	require.NoError(t, d.Err())

	require.Equal(t, uint32(0), d.Uint32())
	require.ErrorIs(t, d.Err(), ErrMalformed)
}

func TestParseRequestRejectsBadLength(t *testing.T) {
	_, err := ParseRequest([]byte{0, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrMalformed)
	_, err = ParseRequest([]byte{0, 40, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrMalformed)
	_, err = ParseRequest([]byte{0, 12})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestResponseCodec(t *testing.T) {
	raw := (&Response{Status: 5, Payload: (&Encoder{}).Bool(true).Bytes()}).Encode()
	require.Equal(t, []byte{0, 8, 0, 5, 0xFF, 0xFF, 0xFF, 0xFF}, raw)

	resp, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(5), resp.Status)
	require.True(t, NewDecoder(resp.Payload).Bool())
}

func TestStringWithoutTerminator(t *testing.T) {
	d := NewDecoder([]byte{0, 0, 0, 3, 'a', 'b', 'c'})
	require.Equal(t, "abc", d.String())
	d = NewDecoder([]byte{0, 0, 0, 4, 'a', 0, 'c', 0})
	require.Equal(t, "a", d.String())
}

// newFlagRegister makes off behave like a write-one-to-clear register.
func newFlagRegister(m *mmio.Mem, off uint32) {
	m.OnWrite(off, func(v uint32) uint32 {
		return m.Peek(off) &^ v
	})
}

func TestLabX(t *testing.T) {
	mem := mmio.NewMem()
	newFlagRegister(mem, LabXIRQFlags)
	mb := NewLabX(mem, 0)
	require.NoError(t, mb.Setup())
	require.Equal(t, uint32(LabXEnable), mem.Peek(LabXControl))

	buf := make([]byte, MaxMessageSize)
	_, err := mb.Read(context.Background(), buf, false)
	require.ErrorIs(t, err, ErrNoMessage)

	msg := []byte("0123456789abc")
	mmio.WriteWords(mem, LabXData, msg)
	mem.Poke(LabXMsgLen, uint32(len(msg)))
	mem.Poke(LabXIRQFlags, LabXIRQ0)

	n, err := mb.Read(context.Background(), buf, false)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
	require.Equal(t, uint32(0), mem.Peek(LabXIRQFlags))

	resp := []byte{0, 6, 0, 0, 0xAB, 0xCD}
	require.NoError(t, mb.Write(resp))
	require.Equal(t, uint32(6), mem.Peek(LabXMsgLen))
	out := make([]byte, 6)
	mmio.ReadWords(mem, LabXData, out)
	require.Equal(t, resp, out)

	require.NoError(t, mb.TriggerAsync())
	require.Equal(t, uint32(LabXIRQ1), mem.Peek(LabXTrigAsync))
}

func TestLabXRejectsOversizedMessage(t *testing.T) {
	mem := mmio.NewMem()
	newFlagRegister(mem, LabXIRQFlags)
	mb := NewLabX(mem, 0)
	mem.Poke(LabXMsgLen, 2000)
	mem.Poke(LabXIRQFlags, LabXIRQ0)

	_, err := mb.Read(context.Background(), make([]byte, MaxMessageSize), true)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestLabXBlockingRead(t *testing.T) {
	mem := mmio.NewMem()
	newFlagRegister(mem, LabXIRQFlags)
	mb := NewLabX(mem, 0)
	mb.Poll.Delay = time.Millisecond

	go func() {
		time.Sleep(20 * time.Millisecond)
		mmio.WriteWords(mem, LabXData, []byte{0xCA, 0xFE})
		mem.Poke(LabXMsgLen, 2)
		mem.Poke(LabXIRQFlags, LabXIRQ0)
	}()

	buf := make([]byte, 16)
	n, err := mb.Read(context.Background(), buf, true)
	require.NoError(t, err)
	require.Equal(t, []byte{0xCA, 0xFE}, buf[:n])

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = mb.Read(ctx, buf, true)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSPI(t *testing.T) {
	mem := mmio.NewMem()
	mb := NewSPI(mem, 0)
	require.NoError(t, mb.Setup())

	msg := []byte{0, 12, 0, 0, 0, 128, 0, 0, 0x10, 0x01, 0, 0}
	mmio.WriteWords(mem, SPIData, msg)
	mem.Poke(SPIMsgLength, uint32(len(msg)))
	mem.Poke(SPIFlags, SPIHostToSlave)

	buf := make([]byte, MaxMessageSize)
	n, err := mb.Read(context.Background(), buf, false)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
	require.Equal(t, uint32(SPIMsgConsumed|SPIEnable), mem.Peek(SPIControl))

	require.NoError(t, mb.Write([]byte{0, 4, 0, 0}))
	require.Equal(t, uint32(4), mem.Peek(SPIMsgLength))
	out := make([]byte, 4)
	mmio.ReadWords(mem, SPIData, out)
	require.Equal(t, []byte{0, 8, 0, 0}, out)

	require.ErrorIs(t, mb.TriggerAsync(), ErrNoAsync)
}

func TestSPIConsumesOversizedMessage(t *testing.T) {
	mem := mmio.NewMem()
	// the controller drops HOST2SLAVE once the message is consumed
	mem.OnWrite(SPIControl, func(v uint32) uint32 {
		if v&SPIMsgConsumed != 0 {
			mem.Poke(SPIFlags, 0)
		}
		return v
	})
	mb := NewSPI(mem, 0)
	mem.Poke(SPIMsgLength, 4000)
	mem.Poke(SPIFlags, SPIHostToSlave)

	_, err := mb.Read(context.Background(), make([]byte, MaxMessageSize), false)
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.Equal(t, uint32(SPIMsgConsumed|SPIEnable), mem.Peek(SPIControl))

	_, err = mb.Read(context.Background(), make([]byte, MaxMessageSize), false)
	require.ErrorIs(t, err, ErrNoMessage)
}

// pipePort is an in-memory serial line. Reads time out by returning 0.
type pipePort struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	tx      bytes.Buffer
	timeout time.Duration
}

func (p *pipePort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.timeout)
	for {
		p.mu.Lock()
		if p.rx.Len() > 0 {
			n, err := p.rx.Read(b)
			p.mu.Unlock()
			return n, err
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.Write(b)
}

func (p *pipePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *pipePort) feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Write(b)
}

func TestSerialFraming(t *testing.T) {
	port := &pipePort{}
	mb := NewSerial(port)
	mb.PollTimeout = time.Millisecond
	mb.FrameTimeout = 10 * time.Millisecond
	require.NoError(t, mb.Setup())

	buf := make([]byte, 16)
	_, err := mb.Read(context.Background(), buf, false)
	require.ErrorIs(t, err, ErrNoMessage)

	big := make([]byte, 20)
	binary.BigEndian.PutUint16(big, 20)
	small := (&Request{Class: 128, Service: 0x1003}).Encode()
	port.feed(append(big, small...))

	_, err = mb.Read(context.Background(), buf, false)
	require.ErrorIs(t, err, ErrMessageTooLarge)

	n, err := mb.Read(context.Background(), buf, true)
	require.NoError(t, err)
	require.Equal(t, small, buf[:n])

	require.NoError(t, mb.Write([]byte{0, 4, 0, 0}))
	require.Equal(t, []byte{0, 4, 0, 0}, port.tx.Bytes())

	port.feed([]byte{0, 30, 1})
	_, err = mb.Read(context.Background(), make([]byte, 64), false)
	require.ErrorIs(t, err, ErrMalformed)
}

type rwPair struct {
	io.Reader
	io.Writer
}

func TestClientOverStream(t *testing.T) {
	sent := &bytes.Buffer{}
	c := NewClient(rwPair{bytes.NewReader((&Response{Status: 4}).Encode()), sent})

	resp, err := c.Call(&Request{Class: 128, Service: 0x1001})
	require.NoError(t, err)
	require.Equal(t, uint16(4), resp.Status)

	req, err := ParseRequest(sent.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint16(0x1001), req.Service)
}

func TestBridge(t *testing.T) {
	b := NewBridge()
	require.NoError(t, b.Setup())

	_, err := b.Read(context.Background(), make([]byte, 64), false)
	require.ErrorIs(t, err, ErrNoMessage)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, MaxMessageSize)
		n, err := b.Read(context.Background(), buf, true)
		if err != nil {
			return
		}
		req, err := ParseRequest(buf[:n])
		if err != nil {
			return
		}
		b.Write((&Response{Status: req.Service}).Encode())
	}()

	resp, err := (&BridgeClient{Bridge: b}).Call(context.Background(), &Request{Class: 128, Service: 7})
	require.NoError(t, err)
	require.Equal(t, uint16(7), resp.Status)
	<-done

	require.NoError(t, b.TriggerAsync())
	require.Equal(t, uint64(1), b.AsyncCount())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.Call(ctx, (&Request{}).Encode())
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMuxRoutesResponses(t *testing.T) {
	first := NewLabX(mmio.NewMem(), 0)
	secondMem := mmio.NewMem()
	newFlagRegister(secondMem, LabXIRQFlags)
	second := NewLabX(secondMem, 0)
	mux := NewMux(first, second)
	require.NoError(t, mux.Setup())

	mmio.WriteWords(secondMem, LabXData, []byte{1, 2, 3, 4})
	secondMem.Poke(LabXMsgLen, 4)
	secondMem.Poke(LabXIRQFlags, LabXIRQ0)

	buf := make([]byte, 16)
	n, err := mux.Read(context.Background(), buf, false)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	require.NoError(t, mux.Write([]byte{0, 4, 0, 0}))
	require.Equal(t, uint32(4), secondMem.Peek(LabXMsgLen))

	require.NoError(t, mux.TriggerAsync())
	require.Equal(t, uint32(LabXIRQ1), secondMem.Peek(LabXTrigAsync))
}
