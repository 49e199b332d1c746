package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrPayloadType is returned when a payload does not match its command.
	ErrPayloadType = errors.New("unexpected payload type")

	ErrUnknownCommand = errors.New("unknown command")
)

// Envelope is the wire form of a message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a message into an envelope.
func Encode(m Message) ([]byte, error) {
	if u, ok := m.(Unknown); ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, u.Name)
	}

	env := Envelope{Command: m.Command()}
	if hasPayload(m) {
		payload, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", m.Command(), err)
		}
		env.Payload = payload
	}
	return json.Marshal(env)
}

func hasPayload(m Message) bool {
	switch m.(type) {
	case GetID, GetUser, GetExecRoot, GetFileRoot, GetNumThreads, Ping, Halt:
		return false
	}
	return true
}

// Decode parses an envelope. A command this build does not recognize
// decodes to Unknown without error so the session can log and skip it.
func Decode(b []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch env.Command {
	case CmdGetID:
		return GetID{}, nil
	case CmdID:
		return decodeAs[ID](env)
	case CmdGetUser:
		return GetUser{}, nil
	case CmdUser:
		return decodeAs[User](env)
	case CmdGetExecRoot:
		return GetExecRoot{}, nil
	case CmdSetExecRoot:
		return decodeAs[SetExecRoot](env)
	case CmdGetFileRoot:
		return GetFileRoot{}, nil
	case CmdSetFileRoot:
		return decodeAs[SetFileRoot](env)
	case CmdGetNumThreads:
		return GetNumThreads{}, nil
	case CmdNumThreads:
		return decodeAs[NumThreads](env)
	case CmdProcess:
		m, err := decodeAs[Process](env)
		if err != nil {
			return nil, err
		}
		if m.Job == nil {
			return nil, fmt.Errorf("%w: %s without a job", ErrPayloadType, env.Command)
		}
		return m, nil
	case CmdCancel:
		m, err := decodeAs[Cancel](env)
		if err != nil {
			return nil, err
		}
		if m.JobID == "" {
			return nil, fmt.Errorf("%w: %s without a job id", ErrPayloadType, env.Command)
		}
		return m, nil
	case CmdPing:
		return Ping{}, nil
	case CmdBeat:
		return decodeAs[Beat](env)
	case CmdHalt:
		return Halt{}, nil
	case CmdError:
		return decodeAs[Error](env)
	}
	return Unknown{Name: string(env.Command)}, nil
}

func decodeAs[T Message](env Envelope) (T, error) {
	var m T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return m, fmt.Errorf("%w: %s without a payload", ErrPayloadType, env.Command)
	}
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return m, fmt.Errorf("%w for %s: %v", ErrPayloadType, env.Command, err)
	}
	return m, nil
}
