package framer

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

const heartbeatLine = `{"Operation":"HeartBeat","peerID":"p1","peerName":"alice","Tags":{"heartbeat":{"HeaviestTipset":[{"/":"b"},{"/":"a"}],"TipsetHeight":10}}}`

func feedAll(t *testing.T, f *Framer, chunks [][]byte) [][]byte {
	var out [][]byte
	for _, c := range chunks {
		lines, err := f.Feed(c)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		out = append(out, lines...)
	}
	return out
}

func TestFeedSingleChunk(t *testing.T) {
	f := New(0)
	lines, err := f.Feed([]byte("one\ntwo\nthr"))
	if err != nil {
		t.Fatal(err)
	}
	want := [][]byte{[]byte("one"), []byte("two")}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	if f.Buffered() != 3 {
		t.Fatalf("Buffered = %d, want 3", f.Buffered())
	}

	lines, err = f.Feed([]byte("ee\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || string(lines[0]) != "three" {
		t.Fatalf("lines = %q, want [three]", lines)
	}
	if f.Buffered() != 0 {
		t.Fatalf("Buffered = %d, want 0", f.Buffered())
	}
}

func TestFeedNoTerminatorEmitsNothing(t *testing.T) {
	f := New(0)
	lines, err := f.Feed([]byte("partial"))
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %q", lines)
	}
}

// Every way of cutting the message in two, and every way of cutting it into
// single bytes, must yield the same line.
func TestFeedChunkingInvariance(t *testing.T) {
	for _, term := range []string{"\n", "\r\n"} {
		msg := []byte(heartbeatLine + term)

		for cut := 0; cut <= len(msg); cut++ {
			f := New(0)
			got := feedAll(t, f, [][]byte{msg[:cut], msg[cut:]})
			if len(got) != 1 || string(got[0]) != heartbeatLine {
				t.Fatalf("cut=%d term=%q: got %q", cut, term, got)
			}
		}

		f := New(0)
		var chunks [][]byte
		for i := range msg {
			chunks = append(chunks, msg[i:i+1])
		}
		got := feedAll(t, f, chunks)
		if len(got) != 1 || string(got[0]) != heartbeatLine {
			t.Fatalf("byte-by-byte term=%q: got %q", term, got)
		}
	}
}

func TestFeedReturnsFreshSlices(t *testing.T) {
	f := New(0)
	chunk := []byte("abc\n")
	lines, _ := f.Feed(chunk)
	chunk[0] = 'X'
	if string(lines[0]) != "abc" {
		t.Fatalf("line aliases input chunk: %q", lines[0])
	}

	first, _ := f.Feed([]byte("def\n"))
	second, _ := f.Feed([]byte("ghi\n"))
	if string(first[0]) != "def" || string(second[0]) != "ghi" {
		t.Fatalf("line reused internal buffer: %q %q", first[0], second[0])
	}
}

func TestFeedEmptyLines(t *testing.T) {
	f := New(0)
	lines, err := f.Feed([]byte("\n\na\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := [][]byte{{}, {}, []byte("a")}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if !bytes.Equal(lines[i], want[i]) {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestFeedLineTooLongPartial(t *testing.T) {
	f := New(8)
	if _, err := f.Feed([]byte("12345")); err != nil {
		t.Fatal(err)
	}
	_, err := f.Feed([]byte("67890"))
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("err = %v, want ErrLineTooLong", err)
	}
	if f.Buffered() != 0 {
		t.Fatalf("buffer should be released after overflow, has %d bytes", f.Buffered())
	}
}

func TestFeedLineTooLongKeepsEarlierLines(t *testing.T) {
	f := New(4)
	lines, err := f.Feed([]byte("ok\nway too long\n"))
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("err = %v, want ErrLineTooLong", err)
	}
	if len(lines) != 1 || string(lines[0]) != "ok" {
		t.Fatalf("lines = %q, want [ok]", lines)
	}
}

func TestFeedLineAtLimit(t *testing.T) {
	f := New(4)
	lines, err := f.Feed([]byte("abcd\n"))
	if err != nil {
		t.Fatalf("line at the limit rejected: %v", err)
	}
	if len(lines) != 1 || string(lines[0]) != "abcd" {
		t.Fatalf("lines = %q", lines)
	}
}

func TestReset(t *testing.T) {
	f := New(0)
	f.Feed([]byte("dangling"))
	f.Reset()
	lines, _ := f.Feed([]byte("fresh\n"))
	if len(lines) != 1 || string(lines[0]) != "fresh" {
		t.Fatalf("lines = %q, want [fresh]", lines)
	}
}
