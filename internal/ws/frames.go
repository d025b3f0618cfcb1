package ws

import (
	"encoding/json"
	"strings"
)

// frameKind classifies an inbound frame. Every inbound message maps onto
// exactly one variant; unknown shapes are invalid rather than guessed at.
type frameKind int

const (
	frameInvalid frameKind = iota
	framePing
	frameChat
	frameScan
)

// inboundFrame is a decoded, classified client message.
type inboundFrame struct {
	kind    frameKind
	user    string
	message string
	url     string
}

// rawFrame mirrors the loose JSON shape clients send.
type rawFrame struct {
	Type    string `json:"type"`
	User    string `json:"user"`
	Message string `json:"message"`
	URL     string `json:"url"`
}

// decodeChatFrame classifies a frame from the chat socket.
func decodeChatFrame(data []byte) (inboundFrame, bool) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return inboundFrame{}, false
	}
	if raw.Type == "ping" {
		return inboundFrame{kind: framePing}, true
	}
	return inboundFrame{
		kind:    frameChat,
		user:    strings.TrimSpace(raw.User),
		message: strings.TrimSpace(raw.Message),
	}, true
}

// decodeScanFrame classifies a frame from the scan socket. The URL may
// arrive in the url field or, when it looks like one, in the message field.
func decodeScanFrame(data []byte) (inboundFrame, bool) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return inboundFrame{}, false
	}
	if raw.Type == "ping" {
		return inboundFrame{kind: framePing}, true
	}

	url := strings.TrimSpace(raw.URL)
	if url == "" {
		if message := strings.TrimSpace(raw.Message); looksLikeURL(message) {
			url = message
		}
	}
	return inboundFrame{
		kind: frameScan,
		user: strings.TrimSpace(raw.User),
		url:  url,
	}, true
}

func looksLikeURL(s string) bool {
	return s != "" && (strings.HasPrefix(s, "http") || strings.Contains(s, "."))
}

// ensureScheme prefixes bare host URLs with http://.
func ensureScheme(url string) string {
	if !strings.HasPrefix(url, "http") {
		return "http://" + url
	}
	return url
}

// Outbound frames. One struct per variant keeps the wire shapes explicit.

type pongFrame struct {
	Type string `json:"type"`
}

type typingFrame struct {
	Typing bool `json:"typing"`
}

type processingFrame struct {
	Processing bool   `json:"processing"`
	Status     string `json:"status"`
}

type statusFrame struct {
	Status string `json:"status"`
}

type responseFrame struct {
	Response string `json:"response"`
	URL      string `json:"url,omitempty"`
}

type errorFrame struct {
	Error string `json:"error"`
}
