/*
NAME
  lex.go

DESCRIPTION
  lex.go provides a demultiplexer to extract separate JPEG images from a
  continuous MJPEG byte stream, such as the output of an ffmpeg capture
  process.

AUTHORS
  Dan Kortschak <dan@ausocean.org>
  Saxon Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package jpeg provides functionality for splitting MJPEG streams into
// discrete JPEG frames.
package jpeg

import (
	"bytes"
	"io"
)

// JPEG start and end of image markers.
var (
	soi = []byte{0xff, 0xd8}
	eoi = []byte{0xff, 0xd9}
)

// chunkSize is the number of bytes requested from the source per read.
const chunkSize = 4 << 10

// DefaultMaxFrame is the largest partial frame held before it is discarded.
const DefaultMaxFrame = 8 << 20

// Demuxer accumulates bytes read from a source and yields complete JPEG
// frames delimited by SOI and EOI markers. A frame is only produced once both
// markers are present in the buffer, so markers split across reads are
// handled naturally.
type Demuxer struct {
	// MaxFrame bounds the buffer. A partial frame growing beyond it without an
	// end marker is discarded up to the next start marker.
	MaxFrame int

	src     io.Reader
	buf     []byte
	chunk   []byte
	err     error
	dropped int
}

// NewDemuxer returns a new Demuxer reading from src.
func NewDemuxer(src io.Reader) *Demuxer {
	return &Demuxer{MaxFrame: DefaultMaxFrame, src: src, chunk: make([]byte, chunkSize)}
}

// Next returns the next complete frame. The returned slice is owned by the
// caller. Once the source is exhausted Next returns io.EOF; any other source
// error is returned as is. Errors are sticky.
func (d *Demuxer) Next() ([]byte, error) {
	for {
		if f := d.extract(); f != nil {
			return f, nil
		}
		if d.err != nil {
			return nil, d.err
		}

		n, err := d.src.Read(d.chunk)
		d.buf = append(d.buf, d.chunk[:n]...)
		if err != nil {
			d.err = err
		}
	}
}

// Buffered returns the number of bytes held waiting for a frame boundary.
func (d *Demuxer) Buffered() int { return len(d.buf) }

// Dropped returns the number of bytes discarded from oversized frames.
func (d *Demuxer) Dropped() int { return d.dropped }

// extract removes and returns the first complete frame in the buffer, or nil
// if there is none yet.
func (d *Demuxer) extract() []byte {
	start := bytes.Index(d.buf, soi)
	if start == -1 {
		// Nothing before a start marker can belong to a frame, but a trailing
		// 0xff may be the first half of one.
		if n := len(d.buf); n > 0 && d.buf[n-1] == 0xff {
			d.buf = append(d.buf[:0], 0xff)
		} else {
			d.buf = d.buf[:0]
		}
		return nil
	}

	end := bytes.Index(d.buf[start+len(soi):], eoi)
	if end == -1 {
		if start > 0 {
			d.buf = append(d.buf[:0], d.buf[start:]...)
		}
		if len(d.buf) > d.MaxFrame {
			d.discard()
		}
		return nil
	}
	end += start + len(soi) + len(eoi)

	frame := make([]byte, end-start)
	copy(frame, d.buf[start:end])
	d.buf = append(d.buf[:0], d.buf[end:]...)
	return frame
}

// discard drops the oversized partial frame at the head of the buffer,
// keeping any later start marker.
func (d *Demuxer) discard() {
	n := len(d.buf)
	next := bytes.Index(d.buf[len(soi):], soi)
	switch {
	case next != -1:
		d.buf = append(d.buf[:0], d.buf[next+len(soi):]...)
	case d.buf[n-1] == 0xff:
		d.buf = append(d.buf[:0], 0xff)
	default:
		d.buf = d.buf[:0]
	}
	d.dropped += n - len(d.buf)
}
