// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MaxNameLength matches the common filesystem limit for a single path component.
const MaxNameLength = 255

var ErrInvalidName = errors.New("invalid object name")

// ValidateName rejects names that cannot be used as a single path component
// on a storage node or cannot survive the text protocol and listing format.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), MaxNameLength)
	case strings.HasPrefix(name, "."):
		// covers "." and "..", and keeps names clear of hidden temp files
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"+Separator):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	case strings.IndexFunc(name, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidName, name)
	}
	return nil
}
