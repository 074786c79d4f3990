package model

import (
	"math"
	"time"
)

// Message types carried in the mandatory "type" field
const (
	MessageTypeHello     = "usb1601.hello"
	MessageTypeHeartbeat = "usb1601.heartbeat"
	MessageTypeSamples   = "usb1601.samples"
	MessageTypeFeatures  = "usb1601.features"
	MessageTypeError     = "usb1601.error"
)

// Message is one variant of the bridge protocol
type Message interface {
	MessageType() string
}

// Hello describes the active session; sent to every new connection
type Hello struct {
	Type       string  `json:"type"`
	Device     string  `json:"device"`
	SampleRate float64 `json:"sampleRate"`
	Low        float64 `json:"low"`
	High       float64 `json:"high"`
	Channels   []int   `json:"channels"`
	BlockMs    int     `json:"blockMs"`
	Mode       string  `json:"mode"`
	Mock       bool    `json:"mock"`
}

// Heartbeat is emitted on a fixed cadence independent of data flow
type Heartbeat struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// Samples carries one acquisition block, flattened row-major
type Samples struct {
	Type       string    `json:"type"`
	TS         int64     `json:"ts"`
	SampleRate float64   `json:"sampleRate"`
	N          int       `json:"n"`
	C          int       `json:"c"`
	Low        float64   `json:"low"`
	High       float64   `json:"high"`
	Channels   []int     `json:"channels"`
	Data       []float64 `json:"data"`
}

// Features carries the summary statistics of one block
type Features struct {
	Type       string  `json:"type"`
	TS         int64   `json:"ts"`
	SampleRate float64 `json:"sampleRate"`
	BlockMs    int     `json:"blockMs"`
	RMS        float64 `json:"rms"`
	Peak       float64 `json:"peak"`
	Level      float64 `json:"level"`
	Low        float64 `json:"low"`
	High       float64 `json:"high"`
	Channels   []int   `json:"channels"`
}

// Error reports a bridge-side fault to consumers
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Unknown is what Decode yields for a well-formed message with an unrecognised tag
type Unknown struct {
	Type string `json:"type"`
}

func (Hello) MessageType() string     { return MessageTypeHello }
func (Heartbeat) MessageType() string { return MessageTypeHeartbeat }
func (Samples) MessageType() string   { return MessageTypeSamples }
func (Features) MessageType() string  { return MessageTypeFeatures }
func (Error) MessageType() string     { return MessageTypeError }
func (u Unknown) MessageType() string { return u.Type }

// NewHeartbeat stamps a heartbeat with t in unix milliseconds
func NewHeartbeat(t time.Time) Heartbeat {
	return Heartbeat{Type: MessageTypeHeartbeat, TS: t.UnixMilli()}
}

// NewError builds an error message
func NewError(message string) Error {
	return Error{Type: MessageTypeError, Message: message}
}

// Finite maps NaN and ±Inf to 0, since JSON has no encoding for them
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
