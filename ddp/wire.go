package ddp

import "encoding/json"

// Outbound frames (spec.md §6).

type connectMsg struct {
	Msg     string   `json:"msg"`
	Version string   `json:"version"`
	Support []string `json:"support"`
	Session string   `json:"session,omitempty"`
}

type pongMsg struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// pingMsg is the client-initiated heartbeat (supplemented feature; see
// SPEC_FULL.md). heartbeatLoop sends it without an id; the server
// answers with a {msg:"pong"} frame, which handlePong accepts whatever id
// it carries.
type pingMsg struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

type methodMsg struct {
	Msg    string        `json:"msg"`
	Method string        `json:"method"`
	ID     string        `json:"id"`
	Params []interface{} `json:"params"`
}

type subMsg struct {
	Msg    string        `json:"msg"`
	Name   string        `json:"name"`
	ID     string        `json:"id"`
	Params []interface{} `json:"params"`
}

type unsubMsg struct {
	Msg string `json:"msg"`
	ID  string `json:"id"`
}

// Inbound frames. frame is decoded twice: once to read msg, once — via
// the concrete struct for that msg — to pull out the rest of the
// fields, avoiding one large do-everything struct with every field
// optional.

type frame struct {
	Msg string `json:"msg"`
}

type connectedFrame struct {
	Session string `json:"session"`
}

type failedFrame struct {
	Version string `json:"version"`
}

type pingFrame struct {
	ID string `json:"id"`
}

type pongFrame struct {
	ID string `json:"id"`
}

type errorFrame struct {
	Reason           string `json:"reason"`
	OffendingMessage string `json:"offendingMessage"`
}

type nosubFrame struct {
	ID    string          `json:"id"`
	Error json.RawMessage `json:"error"`
}

type addedFrame struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields"`
}

type changedFrame struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields"`
	Cleared    []string        `json:"cleared"`
}

type removedFrame struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

type readyFrame struct {
	Subs []string `json:"subs"`
}

type updatedFrame struct {
	Methods []string `json:"methods"`
}

type resultFrame struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}
