// Package nbd is a Network Block Device server implemented based on
// https://github.com/NetworkBlockDevice/nbd/blob/cb20c16354cccf4698fde74c42f5fb8542b289ae/doc/proto.md
//
// Only the fixed newstyle handshake is spoken. The export is a device.Device;
// byte ranges are mapped onto its blocks, with a read-modify-write for
// partially covered blocks.
package nbd

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/device"
	"github.com/pkg/errors"
)

const (
	nbdMagic         = 0x4e42444d41474943 // "NBDMAGIC"
	optMagic         = 0x49484156454F5054 // "IHAVEOPT"
	replyMagic       = 0x3e889045565a9
	requestMagic     = 0x25609513
	simpleReplyMagic = 0x67446698

	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1

	optExportName = 1
	optAbort      = 2
	optInfo       = 6
	optGo         = 7

	repAck        = 1
	repInfo       = 3
	repErrUnsup   = 1<<31 + 1
	repErrInvalid = 1<<31 + 3
	repErrUnknown = 1<<31 + 6

	infoExport    = 0
	infoBlockSize = 3

	transHasFlags  = 1 << 0
	transSendFlush = 1 << 2

	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
	cmdFlush = 3

	errnoIO    = 5
	errnoInval = 22

	// maxPayload bounds a single request, as well as option data.
	maxPayload = 32 << 20
)

var errAborted = errors.New("client aborted negotiation")

// Server exports a Device over NBD.
type Server struct {
	dev  *device.Device
	name string
	log  hclog.Logger

	wg sync.WaitGroup
}

// NewServer exports dev. Clients asking for an export by name must use
// name; an empty name accepts any.
func NewServer(dev *device.Device, name string, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Server{dev: dev, name: name, log: log}
}

// Serve accepts connections on ln until ctx is done, then waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Info("listening", "addr", ln.Addr().String(), "size", s.dev.Size())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "unable to accept")
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.ServeConn(ctx, conn)
			if err != nil {
				s.log.Warn("connection failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// ServeConn runs one client connection to completion on a clone of the
// device. It closes nc.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) error {
	defer nc.Close()
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	dev, err := s.dev.Clone()
	if err != nil {
		return err
	}

	c := newConnection(nc, dev, s.log.With("remote", nc.RemoteAddr().String()))
	c.log.Debug("handling")

	err = c.handshake(s.name)
	if err == nil {
		err = c.transmit(ctx)
	}
	if errors.Is(err, errAborted) {
		err = nil
	}

	cerr := dev.Close(context.WithoutCancel(ctx))
	if err == nil {
		err = cerr
	}
	return err
}

type connection struct {
	nc  net.Conn
	b   *bufio.ReadWriter
	dev *device.Device
	log hclog.Logger

	noZeroes bool
}

func newConnection(nc net.Conn, dev *device.Device, log hclog.Logger) *connection {
	c := &connection{
		nc:  nc,
		b:   bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
		dev: dev,
		log: log,
	}
	return c
}

// handshake negotiates options until the client picks the export.
func (c *connection) handshake(name string) error {
	err := c.WriteUint64(nbdMagic)
	if err != nil {
		return err
	}
	err = c.WriteUint64(optMagic)
	if err != nil {
		return err
	}
	err = c.WriteUint16(flagFixedNewstyle | flagNoZeroes)
	if err != nil {
		return err
	}
	err = c.Flush()
	if err != nil {
		return err
	}

	clientFlags, err := c.ReadUint32()
	if err != nil {
		return errors.Wrap(err, "unable to read client flags")
	}
	if clientFlags&flagFixedNewstyle == 0 || clientFlags&^(flagFixedNewstyle|flagNoZeroes) != 0 {
		return errors.Errorf("unsupported client flags %#x", clientFlags)
	}
	c.noZeroes = clientFlags&flagNoZeroes != 0

	for {
		magic, err := c.ReadUint64()
		if err != nil {
			return errors.Wrap(err, "unable to read option")
		}
		if magic != optMagic {
			return errors.Errorf("bad option magic %#x", magic)
		}
		opt, err := c.ReadUint32()
		if err != nil {
			return err
		}
		l, err := c.ReadUint32()
		if err != nil {
			return err
		}
		if l > maxPayload {
			return errors.Errorf("option %d is %d bytes long", opt, l)
		}
		data := make([]byte, l)
		err = c.ReadFull(data)
		if err != nil {
			return errors.Wrap(err, "unable to read option data")
		}
		c.log.Trace("option", "opt", opt, "length", l)

		switch opt {
		case optExportName:
			if name != "" && string(data) != name {
				return errors.Errorf("unknown export %q", data)
			}
			err = c.WriteUint64(uint64(c.dev.Size()))
			if err != nil {
				return err
			}
			err = c.WriteUint16(transHasFlags | transSendFlush)
			if err != nil {
				return err
			}
			if !c.noZeroes {
				_, err = c.b.Write(make([]byte, 124))
				if err != nil {
					return err
				}
			}
			return c.Flush()

		case optAbort:
			err = c.reply(opt, repAck, nil)
			if err != nil {
				return err
			}
			return errAborted

		case optInfo, optGo:
			done, err := c.info(opt, data, name)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		default:
			err = c.reply(opt, repErrUnsup, nil)
			if err != nil {
				return err
			}
		}
	}
}

// info answers NBD_OPT_INFO and NBD_OPT_GO. It reports whether the client
// moved on to transmission.
func (c *connection) info(opt uint32, data []byte, name string) (bool, error) {
	if len(data) < 6 {
		return false, c.reply(opt, repErrInvalid, nil)
	}
	l := binary.BigEndian.Uint32(data[:4])
	if uint64(len(data)) < 4+uint64(l)+2 {
		return false, c.reply(opt, repErrInvalid, nil)
	}
	export := string(data[4 : 4+l])
	n := binary.BigEndian.Uint16(data[4+l : 6+l])
	reqs := data[6+l:]
	if len(reqs) != 2*int(n) {
		return false, c.reply(opt, repErrInvalid, nil)
	}
	if name != "" && export != name {
		return false, c.reply(opt, repErrUnknown, nil)
	}

	p := make([]byte, 12)
	binary.BigEndian.PutUint16(p[0:2], infoExport)
	binary.BigEndian.PutUint64(p[2:10], uint64(c.dev.Size()))
	binary.BigEndian.PutUint16(p[10:12], transHasFlags|transSendFlush)
	err := c.reply(opt, repInfo, p)
	if err != nil {
		return false, err
	}

	for i := 0; i < int(n); i++ {
		if binary.BigEndian.Uint16(reqs[2*i:]) != infoBlockSize {
			continue
		}
		p := make([]byte, 14)
		binary.BigEndian.PutUint16(p[0:2], infoBlockSize)
		binary.BigEndian.PutUint32(p[2:6], 1)
		binary.BigEndian.PutUint32(p[6:10], c.dev.BlockSize())
		binary.BigEndian.PutUint32(p[10:14], maxPayload)
		err = c.reply(opt, repInfo, p)
		if err != nil {
			return false, err
		}
	}

	err = c.reply(opt, repAck, nil)
	return opt == optGo && err == nil, err
}

func (c *connection) reply(opt, typ uint32, data []byte) error {
	err := c.WriteUint64(replyMagic)
	if err != nil {
		return err
	}
	err = c.WriteUint32(opt)
	if err != nil {
		return err
	}
	err = c.WriteUint32(typ)
	if err != nil {
		return err
	}
	err = c.WriteUint32(uint32(len(data)))
	if err != nil {
		return err
	}
	_, err = c.b.Write(data)
	if err != nil {
		return err
	}
	return c.Flush()
}

type request struct {
	flags  uint16
	typ    uint16
	handle uint64
	offset uint64
	length uint32
}

func (c *connection) readRequest() (request, error) {
	p := make([]byte, 28)
	err := c.ReadFull(p)
	if err != nil {
		return request{}, err
	}
	if magic := binary.BigEndian.Uint32(p[0:4]); magic != requestMagic {
		return request{}, errors.Errorf("bad request magic %#x", magic)
	}
	return request{
		flags:  binary.BigEndian.Uint16(p[4:6]),
		typ:    binary.BigEndian.Uint16(p[6:8]),
		handle: binary.BigEndian.Uint64(p[8:16]),
		offset: binary.BigEndian.Uint64(p[16:24]),
		length: binary.BigEndian.Uint32(p[24:28]),
	}, nil
}

// transmit serves requests until the client disconnects.
func (c *connection) transmit(ctx context.Context) error {
	for {
		req, err := c.readRequest()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "unable to read request")
		}

		switch req.typ {
		case cmdRead:
			if err := c.checkRequest(req); err != nil {
				c.log.Debug("rejecting read", "error", err)
				err = c.simpleReply(req.handle, errnoInval, nil)
				if err != nil {
					return err
				}
				continue
			}
			data, err := readAt(ctx, c.dev, req.offset, req.length)
			if err != nil {
				c.log.Error("read failed", "offset", req.offset, "length", req.length, "error", err)
				err = c.simpleReply(req.handle, errno(err), nil)
			} else {
				err = c.simpleReply(req.handle, 0, data)
			}
			if err != nil {
				return err
			}

		case cmdWrite:
			if req.length > maxPayload {
				return errors.Errorf("write of %d bytes is too large", req.length)
			}
			data := make([]byte, req.length)
			err = c.ReadFull(data)
			if err != nil {
				return errors.Wrap(err, "unable to read write payload")
			}
			if err := c.checkRequest(req); err != nil {
				c.log.Debug("rejecting write", "error", err)
				err = c.simpleReply(req.handle, errnoInval, nil)
				if err != nil {
					return err
				}
				continue
			}
			var code uint32
			err = writeAt(ctx, c.dev, req.offset, data)
			if err != nil {
				c.log.Error("write failed", "offset", req.offset, "length", req.length, "error", err)
				code = errno(err)
			}
			err = c.simpleReply(req.handle, code, nil)
			if err != nil {
				return err
			}

		case cmdDisc:
			c.log.Debug("client disconnected")
			return nil

		case cmdFlush:
			var code uint32
			err = c.dev.Drain(ctx)
			if err != nil {
				c.log.Error("flush failed", "error", err)
				code = errno(err)
			}
			err = c.simpleReply(req.handle, code, nil)
			if err != nil {
				return err
			}

		default:
			err = c.simpleReply(req.handle, errnoInval, nil)
			if err != nil {
				return err
			}
		}
	}
}

func (c *connection) checkRequest(req request) error {
	size := uint64(c.dev.Size())
	if req.length > maxPayload || req.offset > size || uint64(req.length) > size-req.offset {
		return errors.Wrapf(blockstore.ErrOutOfRange, "%d bytes at %d", req.length, req.offset)
	}
	return nil
}

func (c *connection) simpleReply(handle uint64, code uint32, data []byte) error {
	err := c.WriteUint32(simpleReplyMagic)
	if err != nil {
		return err
	}
	err = c.WriteUint32(code)
	if err != nil {
		return err
	}
	err = c.WriteUint64(handle)
	if err != nil {
		return err
	}
	if code == 0 {
		_, err = c.b.Write(data)
		if err != nil {
			return err
		}
	}
	return c.Flush()
}

func errno(err error) uint32 {
	if errors.Is(err, blockstore.ErrOutOfRange) || errors.Is(err, blockstore.ErrInvalidConfig) {
		return errnoInval
	}
	return errnoIO
}

func (c *connection) ReadFull(p []byte) error {
	_, err := io.ReadFull(c.b, p)
	return err
}

func (c *connection) ReadUint32() (uint32, error) {
	p := make([]byte, 4)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint32(p), err
}

func (c *connection) ReadUint64() (uint64, error) {
	p := make([]byte, 8)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint64(p), err
}

func (c *connection) WriteUint16(data uint16) error {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, data)
	_, err := c.b.Write(p)
	return err
}

func (c *connection) WriteUint32(data uint32) error {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, data)
	_, err := c.b.Write(p)
	return err
}

func (c *connection) WriteUint64(data uint64) error {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, data)
	_, err := c.b.Write(p)
	return err
}

func (c *connection) Flush() error {
	return c.b.Flush()
}
