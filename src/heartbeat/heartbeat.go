// Package heartbeat decodes the telemetry messages carried by the feed.
//
// Every line is a JSON object with an Operation tag. Parse turns a line into
// a Message: a *HeartBeat for the HeartBeat operation, and an Unknown for any
// other operation, which consumers are expected to ignore.
package heartbeat

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	json "github.com/json-iterator/go"
	"github.com/ugorji/go/codec"
)

// Operation is the tag identifying the kind of a telemetry message.
type Operation string

// OpHeartBeat is the only operation acted upon.
const OpHeartBeat Operation = "HeartBeat"

var (
	// ErrMalformed is returned when a line is not a JSON object of the
	// expected shape.
	ErrMalformed = errors.New("malformed message")

	// ErrNotJSON is returned for a line that is not exactly one JSON value.
	ErrNotJSON = errors.New("not a single JSON value")

	// ErrMissingHeartbeat is returned for a HeartBeat without Tags.heartbeat.
	ErrMissingHeartbeat = errors.New("heartbeat message without Tags.heartbeat")

	// ErrMissingPeerID is returned for a HeartBeat without a peerID.
	ErrMissingPeerID = errors.New("heartbeat message without peerID")
)

// Message is one decoded telemetry message.
type Message interface {
	Operation() Operation
}

// HeartBeat reports the current chain tip of one peer. Tipset is canonical.
type HeartBeat struct {
	PeerID   string
	PeerName string
	Tipset   []string
	Height   int64
}

// Operation implements Message.
func (h *HeartBeat) Operation() Operation {
	return OpHeartBeat
}

// Unknown is any message whose operation is not handled.
type Unknown struct {
	Op Operation
}

// Operation implements Message.
func (u Unknown) Operation() Operation {
	return u.Op
}

// wire types, mirroring the JSON produced by the peers

type wireMessage struct {
	Operation string    `codec:"Operation"`
	PeerID    string    `codec:"peerID"`
	PeerName  string    `codec:"peerName"`
	Tags      *wireTags `codec:"Tags"`
}

type wireTags struct {
	Heartbeat *wireHeartbeat `codec:"heartbeat"`
}

type wireHeartbeat struct {
	HeaviestTipset []cidLink `codec:"HeaviestTipset"`
	TipsetHeight   int64     `codec:"TipsetHeight"`
}

type cidLink struct {
	Root string `codec:"/"`
}

func jsonHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return jh
}

// Parse decodes one line. Errors wrap ErrMalformed.
func Parse(raw []byte) (Message, error) {
	var wm wireMessage

	// the decoder stops after the first value
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, ErrNotJSON)
	}

	dec := codec.NewDecoderBytes(raw, jsonHandle())
	if err := dec.Decode(&wm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if Operation(wm.Operation) != OpHeartBeat {
		return Unknown{Op: Operation(wm.Operation)}, nil
	}

	if wm.PeerID == "" {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, ErrMissingPeerID)
	}

	if wm.Tags == nil || wm.Tags.Heartbeat == nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, ErrMissingHeartbeat)
	}

	tips := make([]string, 0, len(wm.Tags.Heartbeat.HeaviestTipset))
	for _, l := range wm.Tags.Heartbeat.HeaviestTipset {
		tips = append(tips, l.Root)
	}

	return &HeartBeat{
		PeerID:   wm.PeerID,
		PeerName: wm.PeerName,
		Tipset:   Canonical(tips),
		Height:   wm.Tags.Heartbeat.TipsetHeight,
	}, nil
}

// Marshal encodes h in the wire format accepted by Parse.
func (h *HeartBeat) Marshal() ([]byte, error) {
	links := make([]cidLink, 0, len(h.Tipset))
	for _, t := range h.Tipset {
		links = append(links, cidLink{Root: t})
	}

	wm := wireMessage{
		Operation: string(OpHeartBeat),
		PeerID:    h.PeerID,
		PeerName:  h.PeerName,
		Tags: &wireTags{
			Heartbeat: &wireHeartbeat{
				HeaviestTipset: links,
				TipsetHeight:   h.Height,
			},
		},
	}

	b := new(bytes.Buffer)
	enc := codec.NewEncoder(b, jsonHandle())
	if err := enc.Encode(wm); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Canonical returns a sorted copy of tips.
func Canonical(tips []string) []string {
	res := make([]string, len(tips))
	copy(res, tips)
	sort.Strings(res)
	return res
}

// Equal reports whether two canonical tipsets are the same.
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
