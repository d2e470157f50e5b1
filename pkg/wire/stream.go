// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"io"

	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"
)

// ReadFrame reads exactly one raw control frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	frame := make([]byte, ControlSize)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("read control frame: %w", err)
	}
	return frame, nil
}

// WriteFrame writes a raw control frame unchanged. Used when relaying a
// frame between two peers without interpreting it.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) != ControlSize {
		return fmt.Errorf("%w: frame is %d bytes", ErrMalformed, len(frame))
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	return nil
}

func ReadMessage(r io.Reader) (Message, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return Decode(frame)
}

func WriteMessage(w io.Writer, m Message) error {
	frame, err := m.Encode()
	if err != nil {
		return err
	}
	return WriteFrame(w, frame)
}

// ChunkReader reads a payload of known size from a connection, handing out
// at most ChunkSize bytes per Read. It returns io.EOF after size bytes and
// io.ErrUnexpectedEOF if the connection ends first.
type ChunkReader struct {
	r         io.Reader
	remaining int64
}

func NewChunkReader(r io.Reader, size int64) *ChunkReader {
	return &ChunkReader{r: r, remaining: size}
}

func (c *ChunkReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, io.EOF
	}
	if len(p) > ChunkSize {
		p = p[:ChunkSize]
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if err == io.EOF {
		if c.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, io.EOF
	}
	return n, err
}

// CopyN moves exactly size bytes from src to dst, reading at most ChunkSize
// bytes at a time and writing each chunk before reading the next. A source
// that ends early yields io.ErrUnexpectedEOF.
func CopyN(dst io.Writer, src io.Reader, size int64) (int64, error) {
	if size <= 0 {
		return 0, nil
	}

	buf := utils.GetBuffer(ChunkSize)
	defer utils.PutBuffer(buf)

	var moved int64
	for moved < size {
		want := int64(ChunkSize)
		if remaining := size - moved; remaining < want {
			want = remaining
		}

		n, rerr := src.Read(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return moved, fmt.Errorf("write chunk at offset %d: %w", moved, werr)
			}
			moved += int64(n)
		}

		if moved == size {
			break
		}
		if rerr == io.EOF || (n == 0 && rerr == nil) {
			return moved, fmt.Errorf("stream ended after %d of %d bytes: %w", moved, size, io.ErrUnexpectedEOF)
		}
		if rerr != nil {
			return moved, fmt.Errorf("read chunk at offset %d: %w", moved, rerr)
		}
	}
	return moved, nil
}
