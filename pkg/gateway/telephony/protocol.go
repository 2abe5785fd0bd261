// Package telephony defines the message-oriented wire protocol spoken on the
// media-stream websocket: the frames the telephony provider sends for one call
// (connected, start, media, stop) and the frames we send back (media, clear).
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"

	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// ConnectedFrame is the handshake frame sent before start. It carries nothing
// the bridge needs; it is surfaced so callers can log it.
type ConnectedFrame struct {
	Protocol string
	Version  string
}

// StartFrame opens the media stream for one call. CallID is the correlation id
// shared with the call-setup webhook; StreamID addresses outbound frames.
type StartFrame struct {
	CallID       string
	StreamID     string
	Tracks       []string
	Encoding     string
	SampleRateHz int
	Channels     int
	CalledNumber string
	CallerNumber string
}

// MediaFrame carries one audio chunk. Payload is already base64-decoded.
type MediaFrame struct {
	StreamID string
	Track    string
	Payload  []byte
}

// StopFrame closes the stream from the telephony side.
type StopFrame struct {
	StreamID string
	CallID   string
}

// MarkFrame acknowledges playback of a previously sent mark. Unused by the
// bridge today but decoded so it does not register as a malformed frame.
type MarkFrame struct {
	StreamID string
	Name     string
}

type rawFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Version   string `json:"version,omitempty"`
	Start     *struct {
		CallSid     string `json:"callSid"`
		StreamSid   string `json:"streamSid"`
		Tracks      []string
		MediaFormat *struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Stop *struct {
		CallSid string `json:"callSid"`
	} `json:"stop,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// DecodeFrame parses one inbound media-stream message. The returned value is
// one of ConnectedFrame, StartFrame, MediaFrame, StopFrame, or MarkFrame.
func DecodeFrame(data []byte) (any, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, badFrame("invalid json", "")
	}

	switch strings.TrimSpace(raw.Event) {
	case EventConnected:
		return ConnectedFrame{Protocol: raw.Protocol, Version: raw.Version}, nil
	case EventStart:
		if raw.Start == nil {
			return nil, badFrame("start frame requires a start object", "start")
		}
		callID := strings.TrimSpace(raw.Start.CallSid)
		if callID == "" {
			return nil, badFrame("start.callSid is required", "start.callSid")
		}
		streamID := strings.TrimSpace(raw.Start.StreamSid)
		if streamID == "" {
			streamID = strings.TrimSpace(raw.StreamSid)
		}
		if streamID == "" {
			return nil, badFrame("start.streamSid is required", "start.streamSid")
		}
		out := StartFrame{
			CallID:   callID,
			StreamID: streamID,
			Tracks:   raw.Start.Tracks,
		}
		if raw.Start.MediaFormat != nil {
			out.Encoding = raw.Start.MediaFormat.Encoding
			out.SampleRateHz = raw.Start.MediaFormat.SampleRate
			out.Channels = raw.Start.MediaFormat.Channels
		}
		if params := raw.Start.CustomParameters; params != nil {
			out.CalledNumber = strings.TrimSpace(params["to"])
			out.CallerNumber = strings.TrimSpace(params["from"])
		}
		return out, nil
	case EventMedia:
		if raw.Media == nil {
			return nil, badFrame("media frame requires a media object", "media")
		}
		payload, err := base64.StdEncoding.DecodeString(raw.Media.Payload)
		if err != nil {
			return nil, badFrame("invalid media.payload base64", "media.payload")
		}
		track := strings.TrimSpace(raw.Media.Track)
		if track == "" {
			track = TrackInbound
		}
		return MediaFrame{StreamID: strings.TrimSpace(raw.StreamSid), Track: track, Payload: payload}, nil
	case EventStop:
		out := StopFrame{StreamID: strings.TrimSpace(raw.StreamSid)}
		if raw.Stop != nil {
			out.CallID = strings.TrimSpace(raw.Stop.CallSid)
		}
		return out, nil
	case EventMark:
		out := MarkFrame{StreamID: strings.TrimSpace(raw.StreamSid)}
		if raw.Mark != nil {
			out.Name = strings.TrimSpace(raw.Mark.Name)
		}
		return out, nil
	case "":
		return nil, badFrame("event is required", "event")
	default:
		return nil, badFrame(fmt.Sprintf("unknown event %q", raw.Event), "event")
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// EncodeMedia builds an outbound media frame addressed to streamID.
func EncodeMedia(streamID string, audio []byte) ([]byte, error) {
	if strings.TrimSpace(streamID) == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	frame := outboundMedia{Event: EventMedia, StreamSid: streamID}
	frame.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(frame)
}

// EncodeClear builds the barge-in control frame that tells the telephony side
// to drop any audio it has buffered but not yet played.
func EncodeClear(streamID string) ([]byte, error) {
	if strings.TrimSpace(streamID) == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	return json.Marshal(outboundClear{Event: EventClear, StreamSid: streamID})
}
