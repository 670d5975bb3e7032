package nbd

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/kochman/blockstore/backends/memory"
	"github.com/kochman/blockstore/device"
	"github.com/stretchr/testify/require"
)

// client is just enough of an NBD client to drive the server.
type client struct {
	t  *testing.T
	nc net.Conn
}

func (c *client) write(v any) {
	c.t.Helper()
	require.NoError(c.t, binary.Write(c.nc, binary.BigEndian, v))
}

func (c *client) read(v any) {
	c.t.Helper()
	require.NoError(c.t, binary.Read(c.nc, binary.BigEndian, v))
}

func (c *client) greet(flags uint32) {
	c.t.Helper()
	var hello struct {
		Magic   uint64
		OptMag  uint64
		HSFlags uint16
	}
	c.read(&hello)
	require.EqualValues(c.t, nbdMagic, hello.Magic)
	require.EqualValues(c.t, optMagic, hello.OptMag)
	require.EqualValues(c.t, flagFixedNewstyle|flagNoZeroes, hello.HSFlags)
	c.write(flags)
}

func (c *client) option(opt uint32, data []byte) {
	c.t.Helper()
	c.write(uint64(optMagic))
	c.write(opt)
	c.write(uint32(len(data)))
	if len(data) > 0 {
		_, err := c.nc.Write(data)
		require.NoError(c.t, err)
	}
}

type optReply struct {
	Magic  uint64
	Opt    uint32
	Type   uint32
	Length uint32
}

func (c *client) optReply() (optReply, []byte) {
	c.t.Helper()
	var r optReply
	c.read(&r)
	require.EqualValues(c.t, replyMagic, r.Magic)
	data := make([]byte, r.Length)
	_, err := io.ReadFull(c.nc, data)
	require.NoError(c.t, err)
	return r, data
}

func goData(name string, infos ...uint16) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(name)))
	buf.WriteString(name)
	binary.Write(&buf, binary.BigEndian, uint16(len(infos)))
	for _, i := range infos {
		binary.Write(&buf, binary.BigEndian, i)
	}
	return buf.Bytes()
}

type simpleReply struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}

func (c *client) request(typ uint16, handle, offset uint64, length uint32, payload []byte) (uint32, []byte) {
	c.t.Helper()
	c.write(struct {
		Magic  uint32
		Flags  uint16
		Type   uint16
		Handle uint64
		Offset uint64
		Length uint32
	}{requestMagic, 0, typ, handle, offset, length})
	if typ == cmdWrite {
		_, err := c.nc.Write(payload)
		require.NoError(c.t, err)
	}
	if typ == cmdDisc {
		return 0, nil
	}

	var r simpleReply
	c.read(&r)
	require.EqualValues(c.t, simpleReplyMagic, r.Magic)
	require.Equal(c.t, handle, r.Handle)
	if typ != cmdRead || r.Error != 0 {
		return r.Error, nil
	}
	data := make([]byte, length)
	_, err := io.ReadFull(c.nc, data)
	require.NoError(c.t, err)
	return 0, data
}

func newTestServer(t *testing.T, name string) (*Server, *device.Device) {
	t.Helper()
	ctx := t.Context()
	opts := device.SetupOptions{
		Options: device.Options{PoolSize: 2},
		Initialize: func(addr int) ([]byte, error) {
			return bytes.Repeat([]byte{byte('a' + addr)}, 8), nil
		},
	}
	dev, err := device.Setup(ctx, memory.New(), "nbd", 8, 4, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dev.Close(context.Background())) })
	return NewServer(dev, name, nil), dev
}

// connect starts ServeConn on one end of a pipe and returns the other.
func connect(t *testing.T, s *Server) (*client, <-chan error) {
	t.Helper()
	server, conn := net.Pipe()
	t.Cleanup(func() { conn.Close() })

	done := make(chan error, 1)
	go func() { done <- s.ServeConn(context.Background(), server) }()
	return &client{t: t, nc: conn}, done
}

func TestGoReadWrite(t *testing.T) {
	s, dev := newTestServer(t, "")
	c, done := connect(t, s)

	c.greet(flagFixedNewstyle | flagNoZeroes)

	c.option(optGo, goData("anything", infoBlockSize))
	r, data := c.optReply()
	require.EqualValues(t, optGo, r.Opt)
	require.EqualValues(t, repInfo, r.Type)
	require.Len(t, data, 12)
	require.EqualValues(t, infoExport, binary.BigEndian.Uint16(data[0:2]))
	require.EqualValues(t, 32, binary.BigEndian.Uint64(data[2:10]))
	require.EqualValues(t, transHasFlags|transSendFlush, binary.BigEndian.Uint16(data[10:12]))

	r, data = c.optReply()
	require.EqualValues(t, repInfo, r.Type)
	require.Len(t, data, 14)
	require.EqualValues(t, infoBlockSize, binary.BigEndian.Uint16(data[0:2]))
	require.EqualValues(t, 8, binary.BigEndian.Uint32(data[6:10]))

	r, _ = c.optReply()
	require.EqualValues(t, repAck, r.Type)

	// unaligned read across three blocks
	code, got := c.request(cmdRead, 1, 6, 12, nil)
	require.Zero(t, code)
	require.Equal(t, []byte("aabbbbbbbbcc"), got)

	// unaligned write keeps the untouched bytes of partial blocks
	code, _ = c.request(cmdWrite, 2, 5, 6, []byte("XYZXYZ"))
	require.Zero(t, code)

	code, got = c.request(cmdRead, 3, 0, 32, nil)
	require.Zero(t, code)
	require.Equal(t, []byte("aaaaaXYZXYZbbbbbccccccccdddddddd"), got)

	// aligned full-block write
	code, _ = c.request(cmdWrite, 4, 24, 8, []byte("01234567"))
	require.Zero(t, code)
	code, _ = c.request(cmdFlush, 5, 0, 0, nil)
	require.Zero(t, code)

	code, got = c.request(cmdRead, 6, 24, 8, nil)
	require.Zero(t, code)
	require.Equal(t, []byte("01234567"), got)

	// past the end
	code, _ = c.request(cmdRead, 7, 30, 4, nil)
	require.EqualValues(t, errnoInval, code)
	code, _ = c.request(cmdWrite, 8, 32, 1, []byte("!"))
	require.EqualValues(t, errnoInval, code)

	// unknown command
	code, _ = c.request(9, 9, 0, 0, nil)
	require.EqualValues(t, errnoInval, code)

	c.request(cmdDisc, 10, 0, 0, nil)
	require.NoError(t, <-done)

	// the device sees the writes made through the export
	block, err := dev.ReadBlock(t.Context(), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("aaaaaXYZ"), block)
	require.True(t, dev.Locked())
}

func TestExportName(t *testing.T) {
	s, _ := newTestServer(t, "vol")
	c, done := connect(t, s)

	c.greet(flagFixedNewstyle)

	// unsupported options are refused and negotiation continues
	c.option(42, nil)
	r, _ := c.optReply()
	require.EqualValues(t, repErrUnsup, r.Type)

	c.option(optInfo, goData("other"))
	r, _ = c.optReply()
	require.EqualValues(t, repErrUnknown, r.Type)

	c.option(optInfo, []byte{0, 0})
	r, _ = c.optReply()
	require.EqualValues(t, repErrInvalid, r.Type)

	c.option(optExportName, []byte("vol"))
	var export struct {
		Size  uint64
		Flags uint16
		Zeros [124]byte
	}
	c.read(&export)
	require.EqualValues(t, 32, export.Size)
	require.EqualValues(t, transHasFlags|transSendFlush, export.Flags)

	code, got := c.request(cmdRead, 1, 8, 8, nil)
	require.Zero(t, code)
	require.Equal(t, []byte("bbbbbbbb"), got)

	// closing the connection without NBD_CMD_DISC is fine too
	require.NoError(t, c.nc.Close())
	require.NoError(t, <-done)
}

func TestAbort(t *testing.T) {
	s, _ := newTestServer(t, "")
	c, done := connect(t, s)

	c.greet(flagFixedNewstyle)
	c.option(optAbort, nil)
	r, _ := c.optReply()
	require.EqualValues(t, repAck, r.Type)
	require.NoError(t, <-done)
}

func TestBadClientFlags(t *testing.T) {
	s, _ := newTestServer(t, "")
	c, done := connect(t, s)

	c.greet(0)
	require.Error(t, <-done)
}

func TestServe(t *testing.T) {
	s, _ := newTestServer(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	c := &client{t: t, nc: conn}
	c.greet(flagFixedNewstyle | flagNoZeroes)
	c.option(optGo, goData(""))
	c.optReply()
	r, _ := c.optReply()
	require.EqualValues(t, repAck, r.Type)

	code, got := c.request(cmdRead, 1, 16, 8, nil)
	require.Zero(t, code)
	require.Equal(t, []byte("cccccccc"), got)

	// cancelling closes the listener and open connections
	cancel()
	require.NoError(t, <-served)
}

func TestSpan(t *testing.T) {
	_, dev := newTestServer(t, "")

	require.Nil(t, span(dev, 3, 0))
	require.Equal(t, []int{0}, span(dev, 0, 8))
	require.Equal(t, []int{0, 1}, span(dev, 7, 2))
	require.Equal(t, []int{1, 2, 3}, span(dev, 8, 24))
}
