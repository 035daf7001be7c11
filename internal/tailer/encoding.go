package tailer

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// decodeFunc turns a raw byte region into text
type decodeFunc func(raw []byte) (string, error)

// lookupDecoder resolves a WHATWG encoding label ("cp1252", "utf-8", "windows-1251", ...).
// Only encodings where the byte 0x0A always means '\n' are accepted, because
// line splitting and offset accounting happen on raw bytes.
func lookupDecoder(label string) (decodeFunc, string, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, "", fmt.Errorf("%w: unknown encoding %q", ErrInvalidArgument, label)
	}

	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(label)
	}

	switch name {
	case "utf-16be", "utf-16le", "replacement":
		return nil, "", fmt.Errorf("%w: encoding %q is not ASCII-compatible", ErrInvalidArgument, label)
	}

	decode := func(raw []byte) (string, error) {
		// x/text decoders substitute U+FFFD for undecodable input
		out, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	return decode, name, nil
}
