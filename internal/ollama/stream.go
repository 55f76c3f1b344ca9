// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// =============================================================================
// LINE DECODER
// =============================================================================

// LineDecoder reads newline-delimited JSON objects from a byte stream. It is
// the single decoding path for chat streaming, comparison streaming, and pull
// progress.
//
// Contract: Next yields each physical line that parses as JSON, in order,
// and returns io.EOF when the stream ends. A line may span multiple reads;
// the partial trailing line is held over until its newline arrives, and an
// unterminated final line is still delivered at EOF. Lines that are empty or
// fail to parse are skipped silently.
type LineDecoder struct {
	reader *bufio.Reader
	err    error
}

// NewLineDecoder creates a decoder over r.
func NewLineDecoder(r io.Reader) *LineDecoder {
	return &LineDecoder{reader: bufio.NewReader(r)}
}

// Next returns the raw bytes of the next valid JSON line. The returned slice
// is owned by the caller. After the first non-nil error the decoder is
// exhausted and keeps returning that error.
func (d *LineDecoder) Next() (json.RawMessage, error) {
	if d.err != nil {
		return nil, d.err
	}

	for {
		line, err := d.reader.ReadBytes('\n')
		if err != nil {
			d.err = err
			if err != io.EOF || len(bytes.TrimSpace(line)) == 0 {
				if err == io.EOF {
					return nil, io.EOF
				}
				return nil, err
			}
			// Fall through: deliver the unterminated final line.
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !json.Valid(line) {
			if d.err != nil {
				return nil, d.err
			}
			continue
		}

		out := make(json.RawMessage, len(line))
		copy(out, line)
		return out, nil
	}
}

// DecodeChat parses a raw line as a chat chunk. The boolean is false when the
// line is valid JSON but not a chat object shape worth acting on.
func DecodeChat(raw json.RawMessage) (ChatChunk, bool) {
	var chunk ChatChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return ChatChunk{}, false
	}
	return chunk, true
}

// DecodePull parses a raw line as a pull progress object.
func DecodePull(raw json.RawMessage) (PullProgress, bool) {
	var progress PullProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return PullProgress{}, false
	}
	return progress, true
}
