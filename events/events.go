// Package events multiplexes per-session notifications to stream
// subscribers. Each session owns one bounded FIFO queue, created lazily on
// first publish or subscribe and dropped in lockstep with session eviction.
// Delivery is best-effort: a full queue evicts its oldest entry rather than
// ever blocking a publisher.
package events

// Type tags an event variant.
type Type string

const (
	TypeStatus    Type = "status"    // operation outcome
	TypeDOM       Type = "dom"       // DOM capture, char count
	TypeFrame     Type = "frame"     // screenshot artifact
	TypeKeepalive Type = "keepalive" // synthetic stream filler, never queued
)

// Event is one timestamped notification. Timestamps are assigned at publish
// time and are monotonically non-decreasing per session; ties keep insertion
// order because the queue preserves it.
type Event struct {
	Type   Type   `json:"type"`
	Msg    string `json:"msg,omitempty"`
	Detail any    `json:"detail,omitempty"`
	Chars  int    `json:"chars,omitempty"`
	File   string `json:"file,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	SID    string `json:"sid,omitempty"`
	TS     int64  `json:"ts,omitempty"` // milliseconds since epoch
}

// Status builds a status event.
func Status(msg string, detail any) Event {
	return Event{Type: TypeStatus, Msg: msg, Detail: detail}
}

// DOM builds a dom-capture event.
func DOM(chars int) Event {
	return Event{Type: TypeDOM, Chars: chars}
}

// Frame builds a screenshot event. file is the artifact's relative path.
func Frame(file string, width, height int) Event {
	return Event{Type: TypeFrame, File: file, Width: width, Height: height}
}
