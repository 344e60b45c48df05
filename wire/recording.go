// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "github.com/framecap/framecap/wire"

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// WriteRecordingHeader writes the ASCII identifier that opens every recording
// file. The body that follows is the verbatim packet stream.
func WriteRecordingHeader(w io.Writer) error {
	_, err := io.WriteString(w, RecordingMagic)
	return err
}

// OpenRecording validates the recording header and returns a Decoder over the
// packet stream that follows.
func OpenRecording(r io.Reader) (*Decoder, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(RecordingMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("reading recording header: %w", err)
	}
	if !bytes.Equal(magic, []byte(RecordingMagic)) {
		return nil, fmt.Errorf("not a recording file (header %q)", magic)
	}
	return NewDecoder(br), nil
}
