package keyindex

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

const headerMagic = "sdn-keyindex/1"

const (
	opHeader byte = iota
	opPut
	opDel
)

// ErrCorruptBlock is returned when a block cannot be decoded.
var ErrCorruptBlock = errors.New("corrupt index block")

type operation struct {
	op    byte
	key   []byte
	value []byte
}

func encodeHeader(metadata []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(opHeader)
	writeBytes(&buf, []byte(headerMagic))
	writeBytes(&buf, metadata)
	return buf.Bytes()
}

func encodeOp(op byte, key, value []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(op)
	writeBytes(&buf, key)
	if op == opPut {
		writeBytes(&buf, value)
	}
	return buf.Bytes()
}

func decodeBlock(data []byte) (operation, error) {
	if len(data) == 0 {
		return operation{}, ErrCorruptBlock
	}
	r := bytes.NewReader(data[1:])

	switch data[0] {
	case opHeader:
		magic, err := readBytes(r)
		if err != nil || string(magic) != headerMagic {
			return operation{}, fmt.Errorf("%w: bad header", ErrCorruptBlock)
		}
		metadata, err := readBytes(r)
		if err != nil {
			return operation{}, err
		}
		return operation{op: opHeader, value: metadata}, nil
	case opPut:
		key, err := readBytes(r)
		if err != nil {
			return operation{}, err
		}
		value, err := readBytes(r)
		if err != nil {
			return operation{}, err
		}
		return operation{op: opPut, key: key, value: value}, nil
	case opDel:
		key, err := readBytes(r)
		if err != nil {
			return operation{}, err
		}
		return operation{op: opDel, key: key}, nil
	default:
		return operation{}, fmt.Errorf("%w: unknown op %d", ErrCorruptBlock, data[0])
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	buf.Write(varint.ToUvarint(uint64(len(b))))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds block", ErrCorruptBlock, n)
	}
	b := make([]byte, n)
	r.Read(b)
	return b, nil
}
