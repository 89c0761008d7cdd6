// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Envelope is a decoded frame. Exactly one of Command or Event is set.
type Envelope struct {
	Command Command
	Event   Event
}

// IsCommand reports whether the envelope wraps a command.
func (e Envelope) IsCommand() bool { return e.Command != nil }

// commandEnvelope is the wire shape of a command:
// {"token": "...", "commandType": "SubmitCode", "command": {...}}
type commandEnvelope struct {
	Token       string          `json:"token,omitempty"`
	Version     string          `json:"version,omitempty"`
	CommandType CommandType     `json:"commandType"`
	Command     json.RawMessage `json:"command"`
}

// eventEnvelope is the wire shape of an event:
// {"eventType": "...", "event": {...}, "command": <command envelope>|null}
type eventEnvelope struct {
	EventType EventType        `json:"eventType"`
	Event     json.RawMessage  `json:"event"`
	Command   *commandEnvelope `json:"command"`
}

type commandDecoder func(json.RawMessage) (Command, error)

type eventDecoder func(json.RawMessage, Command) (Event, error)

func decodeCommandAs[T Command](raw json.RawMessage) (Command, error) {
	var c T
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeEventAs[T Event, PT interface {
	*T
	bind(Command)
}](raw json.RawMessage, cmd Command) (Event, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	PT(&ev).bind(cmd)
	return ev, nil
}

var commandDecoders = map[CommandType]commandDecoder{
	SubmitCodeType:           decodeCommandAs[SubmitCode],
	RequestCompletionsType:   decodeCommandAs[RequestCompletions],
	RequestHoverTextType:     decodeCommandAs[RequestHoverText],
	RequestDiagnosticsType:   decodeCommandAs[RequestDiagnostics],
	CancelType:               decodeCommandAs[Cancel],
	DisplayValueType:         decodeCommandAs[DisplayValue],
	UpdateDisplayedValueType: decodeCommandAs[UpdateDisplayedValue],
	RequestKernelInfoType:    decodeCommandAs[RequestKernelInfo],
}

var eventDecoders = map[EventType]eventDecoder{
	CommandSucceededType:                 decodeEventAs[CommandSucceeded],
	CommandFailedType:                    decodeEventAs[CommandFailed],
	CodeSubmissionReceivedType:           decodeEventAs[CodeSubmissionReceived],
	CompleteCodeSubmissionReceivedType:   decodeEventAs[CompleteCodeSubmissionReceived],
	IncompleteCodeSubmissionReceivedType: decodeEventAs[IncompleteCodeSubmissionReceived],
	DisplayedValueProducedType:           decodeEventAs[DisplayedValueProduced],
	DisplayedValueUpdatedType:            decodeEventAs[DisplayedValueUpdated],
	ReturnValueProducedType:              decodeEventAs[ReturnValueProduced],
	StandardOutputValueProducedType:      decodeEventAs[StandardOutputValueProduced],
	StandardErrorValueProducedType:       decodeEventAs[StandardErrorValueProduced],
	CompletionsProducedType:              decodeEventAs[CompletionsProduced],
	HoverTextProducedType:                decodeEventAs[HoverTextProduced],
	DiagnosticsProducedType:              decodeEventAs[DiagnosticsProduced],
	DiagnosticLogEntryProducedType:       decodeEventAs[DiagnosticLogEntryProduced],
	KernelReadyType:                      decodeEventAs[KernelReady],
	KernelInfoProducedType:               decodeEventAs[KernelInfoProduced],
}

// CommandTypes lists every registered command discriminator, sorted.
func CommandTypes() []CommandType {
	out := make([]CommandType, 0, len(commandDecoders))
	for t := range commandDecoders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EventTypes lists every registered event discriminator, sorted.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventDecoders))
	for t := range eventDecoders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Codec converts commands and events to and from text frames.
// A Codec is immutable after construction and safe for concurrent use.
type Codec struct {
	acceptRaw bool
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithRawSubmissions controls whether a frame that is not a JSON object is
// accepted as the code of a SubmitCode command. Enabled by default.
func WithRawSubmissions(accept bool) CodecOption {
	return func(c *Codec) { c.acceptRaw = accept }
}

// NewCodec creates a codec.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{acceptRaw: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EncodeCommand serializes cmd into one frame.
func (c *Codec) EncodeCommand(cmd Command) (string, error) {
	env, err := toCommandEnvelope(cmd)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", cmd.CommandType(), err)
	}
	return string(data), nil
}

// EncodeEvent serializes ev, including its originating command, into one frame.
func (c *Codec) EncodeEvent(ev Event) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("encode event: nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", ev.EventType(), err)
	}
	env := eventEnvelope{EventType: ev.EventType(), Event: payload}
	if cmd := ev.GetCommand(); cmd != nil {
		ce, err := toCommandEnvelope(cmd)
		if err != nil {
			return "", err
		}
		env.Command = &ce
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", ev.EventType(), err)
	}
	return string(data), nil
}

func toCommandEnvelope(cmd Command) (commandEnvelope, error) {
	if cmd == nil {
		return commandEnvelope{}, fmt.Errorf("encode command: nil command")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return commandEnvelope{}, fmt.Errorf("encode %s payload: %w", cmd.CommandType(), err)
	}
	md := cmd.GetBaseMessage()
	return commandEnvelope{
		Token:       md.Token,
		Version:     md.Version,
		CommandType: cmd.CommandType(),
		Command:     payload,
	}, nil
}

// Decode parses one frame into a command or an event.
// Failures are *FrameError values matching ErrMalformedFrame or ErrUnknownEnvelopeType.
func (c *Codec) Decode(frame string) (Envelope, error) {
	trimmed := bytes.TrimSpace([]byte(frame))
	if len(trimmed) == 0 {
		return Envelope{}, malformed(frame, "empty frame", nil)
	}
	switch {
	case trimmed[0] == '{':
	case trimmed[0] == '[' || !c.acceptRaw:
		return Envelope{}, malformed(frame, "expected a JSON object", nil)
	default:
		// Raw payload: the whole frame is the code of a submission.
		return Envelope{Command: SubmitCode{Code: frame}}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Envelope{}, malformed(frame, "invalid JSON", err)
	}

	if _, ok := fields["eventType"]; ok {
		var env eventEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return Envelope{}, malformed(frame, "invalid event envelope", err)
		}
		ev, err := decodeEvent(frame, env)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Event: ev}, nil
	}
	if _, ok := fields["commandType"]; ok {
		var env commandEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return Envelope{}, malformed(frame, "invalid command envelope", err)
		}
		cmd, err := decodeCommand(frame, env)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Command: cmd}, nil
	}
	return Envelope{}, unknownType(frame, "no commandType or eventType discriminator")
}

// DecodeCommand parses a frame that must hold a command.
func (c *Codec) DecodeCommand(frame string) (Command, error) {
	env, err := c.Decode(frame)
	if err != nil {
		return nil, err
	}
	if env.Command == nil {
		return nil, unknownType(frame, fmt.Sprintf("expected a command, got event %s", env.Event.EventType()))
	}
	return env.Command, nil
}

// DecodeEvent parses a frame that must hold an event.
func (c *Codec) DecodeEvent(frame string) (Event, error) {
	env, err := c.Decode(frame)
	if err != nil {
		return nil, err
	}
	if env.Event == nil {
		return nil, unknownType(frame, fmt.Sprintf("expected an event, got command %s", env.Command.CommandType()))
	}
	return env.Event, nil
}

func decodeCommand(frame string, env commandEnvelope) (Command, error) {
	dec, ok := commandDecoders[env.CommandType]
	if !ok {
		return nil, unknownType(frame, fmt.Sprintf("commandType %q", env.CommandType))
	}
	payload := env.Command
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = json.RawMessage("{}")
	}
	cmd, err := dec(payload)
	if err != nil {
		return nil, malformed(frame, fmt.Sprintf("%s payload", env.CommandType), err)
	}
	return cmd.withMetadata(Metadata{Token: env.Token, Version: env.Version}), nil
}

func decodeEvent(frame string, env eventEnvelope) (Event, error) {
	dec, ok := eventDecoders[env.EventType]
	if !ok {
		return nil, unknownType(frame, fmt.Sprintf("eventType %q", env.EventType))
	}
	var cmd Command
	if env.Command != nil {
		c, err := decodeCommand(frame, *env.Command)
		if err != nil {
			return nil, err
		}
		cmd = c
	}
	payload := env.Event
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = json.RawMessage("{}")
	}
	ev, err := dec(payload, cmd)
	if err != nil {
		return nil, malformed(frame, fmt.Sprintf("%s payload", env.EventType), err)
	}
	return ev, nil
}
