package service

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mosaicnetworks/feedhub/src/peers"
)

// PeerView is the JSON form of a peers.Record. Unknown values are null.
type PeerView struct {
	Nick            *string    `json:"nick"`
	ID              string     `json:"id"`
	Tipset          []string   `json:"tipset"`
	Height          int64      `json:"height"`
	TSLBlock        *time.Time `json:"tslBlock"`
	SinceBlock      *float64   `json:"sinceBlock"`
	SinceBlockHuman string     `json:"sinceBlockHuman"`
}

// NewPeerView converts rec, computing the time since its last block at now.
func NewPeerView(rec peers.Record, now time.Time) PeerView {
	v := PeerView{
		ID:              rec.ID,
		Tipset:          rec.Tipset,
		Height:          rec.Height,
		SinceBlockHuman: "never",
	}

	if v.Tipset == nil {
		v.Tipset = []string{}
	}

	if rec.Nick != "" {
		nick := rec.Nick
		v.Nick = &nick
	}

	if since, ok := rec.SinceBlock(now); ok {
		tsl := rec.TSLBlock
		secs := since.Seconds()
		v.TSLBlock = &tsl
		v.SinceBlock = &secs
		v.SinceBlockHuman = humanize.RelTime(tsl, now, "ago", "from now")
	}

	return v
}

// NetworkView summarizes the peer table.
type NetworkView struct {
	TotalPeers     int        `json:"totalPeers"`
	LastBlockTime  *time.Time `json:"lastBlockTime"`
	LastBlockHuman string     `json:"lastBlockHuman,omitempty"`
	Peers          []PeerView `json:"peers"`
}
