// Package index encodes the metadata record stored once per storage location.
//
// Layout, all integers big-endian:
//
//	block_size u32 | block_count u32 | header_length u32 | locked u8 | header
//
// The 13-byte prefix is fixed, so the header length is known before the
// payload is read.
package index

import (
	"encoding/binary"
	"math"

	"github.com/kochman/blockstore"
	"github.com/pkg/errors"
)

// PrefixSize is the length of the fixed part of a record.
const PrefixSize = 13

const lockOffset = 12

var (
	// ErrCorrupt is returned for records that cannot be decoded.
	ErrCorrupt = blockstore.ErrCorrupt

	// ErrHeaderLengthMismatch is returned by UpdateHeader.
	ErrHeaderLengthMismatch = blockstore.ErrHeaderLengthMismatch

	// ErrHeaderTooLarge is returned when a header length does not fit in
	// the u32 length field.
	ErrHeaderTooLarge = errors.Wrap(blockstore.ErrInvalidConfig, "header too large")
)

// Prefix is the fixed part of a record.
type Prefix struct {
	BlockSize    uint32
	BlockCount   uint32
	HeaderLength uint32
	Locked       bool
}

// Record is a decoded index record.
type Record struct {
	BlockSize  uint32
	BlockCount uint32
	Locked     bool
	Header     []byte
}

// Encode serializes r.
func Encode(r Record) ([]byte, error) {
	if uint64(len(r.Header)) > math.MaxUint32 {
		return nil, ErrHeaderTooLarge
	}
	b := make([]byte, PrefixSize+len(r.Header))
	binary.BigEndian.PutUint32(b[0:4], r.BlockSize)
	binary.BigEndian.PutUint32(b[4:8], r.BlockCount)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(r.Header)))
	if r.Locked {
		b[lockOffset] = 1
	}
	copy(b[PrefixSize:], r.Header)
	return b, nil
}

// DecodePrefix parses the first PrefixSize bytes of b.
func DecodePrefix(b []byte) (Prefix, error) {
	if len(b) < PrefixSize {
		return Prefix{}, errors.Wrapf(ErrCorrupt, "index record is %d bytes, need at least %d", len(b), PrefixSize)
	}
	p := Prefix{
		BlockSize:    binary.BigEndian.Uint32(b[0:4]),
		BlockCount:   binary.BigEndian.Uint32(b[4:8]),
		HeaderLength: binary.BigEndian.Uint32(b[8:12]),
	}
	switch b[lockOffset] {
	case 0:
	case 1:
		p.Locked = true
	default:
		return Prefix{}, errors.Wrapf(ErrCorrupt, "invalid lock byte %#x", b[lockOffset])
	}
	return p, nil
}

// Decode parses a full record. The returned header does not alias b.
func Decode(b []byte) (Record, error) {
	p, err := DecodePrefix(b)
	if err != nil {
		return Record{}, err
	}
	if uint64(len(b)-PrefixSize) != uint64(p.HeaderLength) {
		return Record{}, errors.Wrapf(ErrCorrupt, "header is %d bytes, prefix says %d", len(b)-PrefixSize, p.HeaderLength)
	}
	header := make([]byte, p.HeaderLength)
	copy(header, b[PrefixSize:])
	return Record{
		BlockSize:  p.BlockSize,
		BlockCount: p.BlockCount,
		Locked:     p.Locked,
		Header:     header,
	}, nil
}

// UpdateHeader returns a copy of old with its header replaced. The prefix,
// including block size and count, is carried over untouched.
func UpdateHeader(old, header []byte) ([]byte, error) {
	p, err := DecodePrefix(old)
	if err != nil {
		return nil, err
	}
	if uint64(len(header)) != uint64(p.HeaderLength) {
		return nil, errors.Wrapf(ErrHeaderLengthMismatch, "new header is %d bytes, stored header is %d", len(header), p.HeaderLength)
	}
	if uint64(len(old)-PrefixSize) != uint64(p.HeaderLength) {
		return nil, errors.Wrap(ErrCorrupt, "stored record length does not match its header length")
	}
	b := make([]byte, len(old))
	copy(b, old[:PrefixSize])
	copy(b[PrefixSize:], header)
	return b, nil
}

// SetLocked returns a copy of old with only the lock byte changed.
func SetLocked(old []byte, locked bool) ([]byte, error) {
	if _, err := DecodePrefix(old); err != nil {
		return nil, err
	}
	b := make([]byte, len(old))
	copy(b, old)
	b[lockOffset] = 0
	if locked {
		b[lockOffset] = 1
	}
	return b, nil
}
