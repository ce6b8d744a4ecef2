package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// writeFrame writes payload prefixed with its varint encoded length.
func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(payload))
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readFrame reads a frame written by `writeFrame`.
func readFrame(r *bufio.Reader, limit int) ([]byte, error) {
	prefixBuf := make([]byte, 0, binary.MaxVarintLen64)
	for len(prefixBuf) < binary.MaxVarintLen64 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		prefixBuf = append(prefixBuf, b)
		if b < 0x80 {
			break
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(prefixBuf)
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if prefix > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, prefix)
	}

	buf := make([]byte, prefix)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
