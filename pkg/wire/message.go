// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the control-message framing and chunked payload
// streaming shared by clients, the coordinator and storage nodes.
//
// Every control message occupies exactly ControlSize bytes on the wire: the
// text form of the message followed by space padding. Fields are separated by
// '$'. Payload bytes follow a control message raw, with no length prefix; the
// receiver must already know the byte count from a preceding message.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// ControlSize is the fixed width of every control message.
	ControlSize = 1024

	// ChunkSize caps the bytes moved by a single read or write of a payload.
	ChunkSize = 4 * 1024

	// Separator delimits control message fields.
	Separator = "$"
)

const (
	cmdUpload   = "UPLOAD"
	cmdDownload = "DOWNLOAD"
	cmdDelete   = "DELETE"
	cmdListing  = "LISTING"
	cmdReady    = "READY"
)

var (
	ErrMalformed      = errors.New("malformed control message")
	ErrUnknownCommand = errors.New("unknown command")
	ErrTooLong        = errors.New("control message exceeds frame size")

	// ErrUnexpectedCommand is a well-formed message the receiver does not
	// accept at this point of the exchange.
	ErrUnexpectedCommand = errors.New("unexpected command")

	// ErrAborted marks a failure after READY was sent. The peer has no reply
	// left to wait for, so the connection is reset instead of closed.
	ErrAborted = errors.New("transfer aborted after ready")
)

// Kind identifies the type of a control message.
type Kind int

const (
	KindUnknown Kind = iota
	KindUpload
	KindDownload
	KindDelete
	KindListing
	KindReady
	KindSize
)

func (k Kind) String() string {
	switch k {
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	case KindDelete:
		return "delete"
	case KindListing:
		return "listing"
	case KindReady:
		return "ready"
	case KindSize:
		return "size"
	default:
		return "unknown"
	}
}

// Message is the structured form of a control message. Name is set for
// Upload, Download and Delete; Size is set for Upload and Size.
type Message struct {
	Kind Kind
	Name string
	Size int64
}

func Upload(name string, size int64) Message {
	return Message{Kind: KindUpload, Name: name, Size: size}
}

func Download(name string) Message {
	return Message{Kind: KindDownload, Name: name}
}

func Delete(name string) Message {
	return Message{Kind: KindDelete, Name: name}
}

func Listing() Message {
	return Message{Kind: KindListing}
}

func Ready() Message {
	return Message{Kind: KindReady}
}

func Size(n int64) Message {
	return Message{Kind: KindSize, Size: n}
}

// String returns the unpadded wire text of the message.
func (m Message) String() string {
	switch m.Kind {
	case KindUpload:
		return cmdUpload + Separator + m.Name + Separator + strconv.FormatInt(m.Size, 10)
	case KindDownload:
		return cmdDownload + Separator + m.Name
	case KindDelete:
		return cmdDelete + Separator + m.Name
	case KindListing:
		return cmdListing
	case KindReady:
		return cmdReady
	case KindSize:
		return strconv.FormatInt(m.Size, 10)
	default:
		return ""
	}
}

// Validate checks the message can be encoded and decoded back unchanged.
func (m Message) Validate() error {
	switch m.Kind {
	case KindUpload, KindDownload, KindDelete:
		if err := ValidateName(m.Name); err != nil {
			return err
		}
	case KindListing, KindReady:
	case KindSize:
	default:
		return fmt.Errorf("%w: kind %d", ErrUnknownCommand, m.Kind)
	}
	if (m.Kind == KindUpload || m.Kind == KindSize) && m.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrMalformed, m.Size)
	}
	return nil
}

// Encode renders the message as a space padded frame of ControlSize bytes.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	text := m.String()
	if len(text) > ControlSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(text))
	}
	frame := make([]byte, ControlSize)
	copy(frame, text)
	for i := len(text); i < ControlSize; i++ {
		frame[i] = ' '
	}
	return frame, nil
}

// Decode parses a frame. Padding is trimmed and the remaining text split on
// the separator. A bare decimal number decodes as a Size message.
func Decode(frame []byte) (Message, error) {
	text := string(bytes.TrimSpace(frame))
	if text == "" {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	fields := strings.Split(text, Separator)

	var m Message
	switch fields[0] {
	case cmdUpload:
		if len(fields) != 3 {
			return Message{}, fmt.Errorf("%w: upload wants 3 fields, got %d", ErrMalformed, len(fields))
		}
		size, err := parseSize(fields[2])
		if err != nil {
			return Message{}, err
		}
		m = Upload(fields[1], size)
	case cmdDownload, cmdDelete:
		if len(fields) != 2 {
			return Message{}, fmt.Errorf("%w: %s wants 2 fields, got %d", ErrMalformed, strings.ToLower(fields[0]), len(fields))
		}
		if fields[0] == cmdDownload {
			m = Download(fields[1])
		} else {
			m = Delete(fields[1])
		}
	case cmdListing:
		m = Listing()
	case cmdReady:
		m = Ready()
	default:
		if len(fields) != 1 || !isDecimal(fields[0]) {
			return Message{}, fmt.Errorf("%w: %q", ErrUnknownCommand, truncate(fields[0], 32))
		}
		size, err := parseSize(fields[0])
		if err != nil {
			return Message{}, err
		}
		m = Size(size)
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func parseSize(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q: %v", ErrMalformed, truncate(s, 32), err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative size %d", ErrMalformed, n)
	}
	return n, nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
