package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound event names sent by clients.
const (
	InboundProjectUpdate = "project:update"
	InboundRequestLock   = "editor:request-lock"
	InboundReleaseLock   = "editor:release-lock"
	InboundChatMessage   = "chat:message"
	InboundCursorMove    = "cursor:move"
	InboundAnnotationAdd = "annotation:add"
	InboundCommentAdd    = "comment:add"
	InboundReactionAdd   = "reaction:add"
	InboundDisconnect    = "disconnect"
)

// Inbound is the closed set of requests a connection can make.
type Inbound interface {
	InboundType() string
	isInbound()
}

// ProjectUpdate carries a new project document. Raw keeps the exact bytes
// for the snapshot and change log; Fields is the same object for spreading.
type ProjectUpdate struct {
	Raw    json.RawMessage
	Fields Fields
}

type RequestLock struct{}
type ReleaseLock struct{}

type SendChat struct{ Payload Fields }

type MoveCursor struct{ Position json.RawMessage }

type AddAnnotation struct{ Payload Fields }

type AddComment struct{ Payload Fields }

type AddReaction struct{ Payload Fields }

// Disconnect is synthesized by the gateway when a socket goes away.
type Disconnect struct{}

func (ProjectUpdate) InboundType() string { return InboundProjectUpdate }
func (RequestLock) InboundType() string   { return InboundRequestLock }
func (ReleaseLock) InboundType() string   { return InboundReleaseLock }
func (SendChat) InboundType() string      { return InboundChatMessage }
func (MoveCursor) InboundType() string    { return InboundCursorMove }
func (AddAnnotation) InboundType() string { return InboundAnnotationAdd }
func (AddComment) InboundType() string    { return InboundCommentAdd }
func (AddReaction) InboundType() string   { return InboundReactionAdd }
func (Disconnect) InboundType() string    { return InboundDisconnect }

func (ProjectUpdate) isInbound() {}
func (RequestLock) isInbound()   {}
func (ReleaseLock) isInbound()   {}
func (SendChat) isInbound()      {}
func (MoveCursor) isInbound()    {}
func (AddAnnotation) isInbound() {}
func (AddComment) isInbound()    {}
func (AddReaction) isInbound()   {}
func (Disconnect) isInbound()    {}

// DecodeInbound parses one client frame.
func DecodeInbound(frame []byte) (Inbound, error) {
	if len(frame) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case InboundProjectUpdate:
		fields, err := objectFields(env.Data)
		if err != nil {
			return nil, err
		}
		return ProjectUpdate{Raw: compact(env.Data), Fields: fields}, nil
	case InboundRequestLock:
		return RequestLock{}, nil
	case InboundReleaseLock:
		return ReleaseLock{}, nil
	case InboundChatMessage:
		fields, err := objectFields(env.Data)
		if err != nil {
			return nil, err
		}
		return SendChat{Payload: fields}, nil
	case InboundCursorMove:
		pos := env.Data
		if len(pos) == 0 {
			pos = json.RawMessage("null")
		}
		return MoveCursor{Position: pos}, nil
	case InboundAnnotationAdd:
		fields, err := objectFields(env.Data)
		if err != nil {
			return nil, err
		}
		return AddAnnotation{Payload: fields}, nil
	case InboundCommentAdd:
		fields, err := objectFields(env.Data)
		if err != nil {
			return nil, err
		}
		return AddComment{Payload: fields}, nil
	case InboundReactionAdd:
		fields, err := objectFields(env.Data)
		if err != nil {
			return nil, err
		}
		return AddReaction{Payload: fields}, nil
	case InboundDisconnect:
		return Disconnect{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

// objectFields accepts a JSON object (or nothing, treated as {}).
func objectFields(data json.RawMessage) (Fields, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Fields{}, nil
	}
	if trimmed[0] != '{' {
		return nil, ErrPayloadNotAnObject
	}
	var fields Fields
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return fields, nil
}

func compact(data json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage(buf.Bytes())
}
