/*
NAME
  lex_test.go

DESCRIPTION
  lex_test.go provides testing for the demultiplexer in lex.go.

AUTHORS
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package jpeg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
)

var twoFrames = []byte("\xff\xd8AAA\xff\xd9\xff\xd8BBB\xff\xd9")

var jpegTests = []struct {
	name  string
	input []byte
	want  [][]byte
}{
	{
		name: "empty",
	},
	{
		name:  "null",
		input: []byte{0xff, 0xd8, 0xff, 0xd9},
		want:  [][]byte{{0xff, 0xd8, 0xff, 0xd9}},
	},
	{
		name:  "leading garbage",
		input: []byte{'x', 0xff, 'y', 0xff, 0xd8, 'a', 0xff, 0xd9},
		want:  [][]byte{{0xff, 0xd8, 'a', 0xff, 0xd9}},
	},
	{
		name:  "trailing partial frame",
		input: []byte{0xff, 0xd8, 'a', 0xff, 0xd9, 0xff, 0xd8, 'b'},
		want:  [][]byte{{0xff, 0xd8, 'a', 0xff, 0xd9}},
	},
	{
		name: "multipart boundaries",
		input: []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8one\xff\xd9\r\n" +
			"--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8two\xff\xd9\r\n"),
		want: [][]byte{[]byte("\xff\xd8one\xff\xd9"), []byte("\xff\xd8two\xff\xd9")},
	},
	{
		name: "full",
		input: []byte{
			0xff, 0xd8, 'f', 'u', 'l', 'l', 0xff, 0xd9,
			0xff, 0xd8, 'f', 'r', 'a', 'm', 'e', 0xff, 0xd9,
			0xff, 0xd8, 'w', 'i', 't', 'h', 0xff, 0xd9,
			0xff, 0xd8, 'l', 'e', 'n', 'g', 't', 'h', 0xff, 0xd9,
			0xff, 0xd8, 's', 'p', 'r', 'e', 'a', 'd', 0xff, 0xd9,
		},
		want: [][]byte{
			{0xff, 0xd8, 'f', 'u', 'l', 'l', 0xff, 0xd9},
			{0xff, 0xd8, 'f', 'r', 'a', 'm', 'e', 0xff, 0xd9},
			{0xff, 0xd8, 'w', 'i', 't', 'h', 0xff, 0xd9},
			{0xff, 0xd8, 'l', 'e', 'n', 'g', 't', 'h', 0xff, 0xd9},
			{0xff, 0xd8, 's', 'p', 'r', 'e', 'a', 'd', 0xff, 0xd9},
		},
	},
}

func TestDemuxer(t *testing.T) {
	for _, test := range jpegTests {
		got, err := collect(NewDemuxer(bytes.NewReader(test.input)))
		if err != nil {
			t.Errorf("unexpected error for %q: %v", test.name, err)
			continue
		}
		if !cmp.Equal(got, test.want) {
			t.Errorf("unexpected result for %q:\ngot :%#v\nwant:%#v", test.name, got, test.want)
		}
	}
}

// TestDemuxerSplits delivers the same two frame stream split at every
// possible pair of offsets, including inside the markers themselves.
func TestDemuxerSplits(t *testing.T) {
	want := [][]byte{
		[]byte("\xff\xd8AAA\xff\xd9"),
		[]byte("\xff\xd8BBB\xff\xd9"),
	}
	for i := 0; i <= len(twoFrames); i++ {
		for j := i; j <= len(twoFrames); j++ {
			src := &chunkReader{chunks: [][]byte{twoFrames[:i], twoFrames[i:j], twoFrames[j:]}}
			got, err := collect(NewDemuxer(src))
			if err != nil {
				t.Fatalf("split (%d,%d): unexpected error: %v", i, j, err)
			}
			if !cmp.Equal(got, want) {
				t.Errorf("split (%d,%d): got %q, want %q", i, j, got, want)
			}
		}
	}
}

func TestDemuxerOneByteReads(t *testing.T) {
	got, err := collect(NewDemuxer(iotest.OneByteReader(bytes.NewReader(twoFrames))))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
}

func TestDemuxerSourceError(t *testing.T) {
	errBroken := errors.New("broken pipe")
	src := io.MultiReader(bytes.NewReader(twoFrames[:7]), iotest.ErrReader(errBroken))
	d := NewDemuxer(src)

	f, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected error for first frame: %v", err)
	}
	if !bytes.Equal(f, twoFrames[:7]) {
		t.Errorf("unexpected first frame: %q", f)
	}

	for i := 0; i < 2; i++ {
		_, err = d.Next()
		if !errors.Is(err, errBroken) {
			t.Errorf("call %d: got error %v, want %v", i, err, errBroken)
		}
	}
}

func TestDemuxerFramesAreCopies(t *testing.T) {
	d := NewDemuxer(bytes.NewReader(twoFrames))
	first, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snapshot := append([]byte(nil), first...)
	if _, err := d.Next(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(first, snapshot) {
		t.Errorf("first frame modified by subsequent read: %q", first)
	}
	if d.Buffered() != 0 {
		t.Errorf("unexpected buffered bytes: %d", d.Buffered())
	}
}

func TestDemuxerDiscardsOversizedFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    [][]byte
		dropped int
	}{
		{
			name:    "no end marker",
			input:   append([]byte{0xff, 0xd8}, bytes.Repeat([]byte{'x'}, 64)...),
			dropped: 17,
		},
		{
			name: "keeps later start",
			input: append(append([]byte{0xff, 0xd8}, bytes.Repeat([]byte{'x'}, 10)...),
				0xff, 0xd8, 'a', 'b', 'c', 0xff, 0xd9),
			want:    [][]byte{{0xff, 0xd8, 'a', 'b', 'c', 0xff, 0xd9}},
			dropped: 12,
		},
		{
			name: "recovers after discard",
			input: append(append([]byte{0xff, 0xd8}, bytes.Repeat([]byte{'x'}, 30)...),
				0xff, 0xd8, 'o', 'k', 0xff, 0xd9),
			want:    [][]byte{{0xff, 0xd8, 'o', 'k', 0xff, 0xd9}},
			dropped: 17,
		},
	}

	for _, test := range tests {
		d := NewDemuxer(iotest.OneByteReader(bytes.NewReader(test.input)))
		d.MaxFrame = 16
		got, err := collect(d)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
			continue
		}
		if !cmp.Equal(got, test.want) {
			t.Errorf("%s: got %q, want %q", test.name, got, test.want)
		}
		if d.Dropped() != test.dropped {
			t.Errorf("%s: dropped %d bytes, want %d", test.name, d.Dropped(), test.dropped)
		}
		if d.Buffered() > d.MaxFrame {
			t.Errorf("%s: buffered %d bytes beyond limit %d", test.name, d.Buffered(), d.MaxFrame)
		}
	}
}

func collect(d *Demuxer) ([][]byte, error) {
	var frames [][]byte
	for {
		f, err := d.Next()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// chunkReader returns each of its chunks from a separate Read call.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.chunks) != 0 && len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	if len(p) < len(r.chunks[0]) {
		panic(fmt.Sprintf("read buffer too small: %d", len(p)))
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}
