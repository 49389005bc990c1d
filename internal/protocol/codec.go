package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of every message: a type tag and its payload.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Wrap(m Message) (Envelope, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", m.Kind(), err)
	}
	return Envelope{Type: m.Kind(), Payload: payload}, nil
}

func UnwrapCommand(env Envelope) (Command, error) {
	switch env.Type {
	case KindInit:
		return decode[Init](env)
	case KindPause:
		return Pause{}, nil
	case KindResume:
		return Resume{}, nil
	case KindReset:
		return Reset{}, nil
	case KindInput:
		return decode[Input](env)
	case KindSaveState:
		return decode[SaveState](env)
	case KindLoadState:
		return decode[LoadState](env)
	case KindSaveSRAM:
		return decode[SaveSRAM](env)
	case KindScreenshot:
		return decode[Screenshot](env)
	case KindShutdown:
		return decode[Shutdown](env)
	default:
		return nil, fmt.Errorf("unknown command type %q", env.Type)
	}
}

func UnwrapEvent(env Envelope) (Event, error) {
	switch env.Type {
	case KindReady:
		return decode[Ready](env)
	case KindVideoFrame:
		return decode[VideoFrame](env)
	case KindAudioSamples:
		return decode[AudioSamples](env)
	case KindError:
		return decode[Error](env)
	case KindResponse:
		return decode[Response](env)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

func decode[T Message](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%s: %w", env.Type, err)
	}
	return v, nil
}
