package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/chadiek/sales-coach/internal/agent"
)

// Inbound message types sent by the browser client.
const (
	TypeStartTranscription = "start_transcription"
	TypeStopTranscription  = "stop_transcription"
	TypeAudioData          = "audio_data"
	TypeResetConversation  = "reset_conversation"
)

// Outbound message types.
const (
	TypeConnection   = "connection"
	TypeTranscript   = "transcript"
	TypeTip          = "tip"
	TypeNotification = "notification"
)

// inbound is the client envelope. Data is decoded per type.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type connectionData struct {
	ID string `json:"id"`
}

type notificationData struct {
	Message string `json:"message"`
}

func decodeInbound(raw []byte) (inbound, error) {
	var m inbound
	if err := json.Unmarshal(raw, &m); err != nil {
		return inbound{}, fmt.Errorf("decode envelope: %w", err)
	}
	if m.Type == "" {
		return inbound{}, fmt.Errorf("decode envelope: missing type")
	}
	return m, nil
}

// audioPayload decodes audio_data: a JSON string holding base64 PCM.
func audioPayload(data json.RawMessage) ([]byte, error) {
	var b64 string
	if err := json.Unmarshal(data, &b64); err != nil {
		return nil, fmt.Errorf("audio payload: %w", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("audio payload: %w", err)
	}
	return pcm, nil
}

func encode(m outbound) ([]byte, error) {
	return json.Marshal(m)
}

func connectionMessage(id string) outbound {
	return outbound{Type: TypeConnection, Data: connectionData{ID: id}}
}

func transcriptMessage(u agent.Utterance) outbound {
	return outbound{Type: TypeTranscript, Data: u}
}

func tipMessage(t agent.Tip) outbound {
	return outbound{Type: TypeTip, Data: t}
}

func notificationMessage(msg string) outbound {
	return outbound{Type: TypeNotification, Data: notificationData{Message: msg}}
}
