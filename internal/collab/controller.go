// Package collab implements the room synchronization protocol: it keeps the
// session registry and room state store current and decides which channels
// receive which events.
//
// All Controller methods must run on the transport's event loop. Handlers run
// to completion one at a time, so the registry and store see a single writer;
// the only work done off the loop is the remote compile call.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/manpreetbhatti/codesync/internal/compiler"
	"github.com/manpreetbhatti/codesync/internal/room"
	"github.com/manpreetbhatti/codesync/internal/session"
)

var (
	ErrMalformedJoin = errors.New("join requires roomId and username")
	ErrNotJoined     = errors.New("channel has not joined a room")
	ErrRoomMismatch  = errors.New("event targets a room the channel has not joined")
	ErrUnknownRoom   = errors.New("unknown room")
)

// Transport is the channel layer as seen from the event loop.
type Transport interface {
	// Join and Leave maintain the transport-level room grouping.
	Join(channelID, roomID string)
	Leave(channelID, roomID string)
	// Channels lists channels grouped under roomID in join order.
	Channels(roomID string) []string
	Connected(channelID string) bool
	// Emit queues an event for one channel; unknown channels are ignored.
	Emit(channelID, event string, payload any)
	// Close terminates a channel. Its disconnect is reported later.
	Close(channelID string)
	// Schedule runs fn on the event loop. Safe to call from any goroutine.
	Schedule(fn func())
}

// CompileRecorder persists compile runs. Implementations must be safe for concurrent use.
type CompileRecorder interface {
	RecordCompile(roomID, language, status, output string) error
}

type handlerFunc func(c *Controller, channelID string, data json.RawMessage) error

// handlers is the dispatch table for inbound events.
var handlers = map[string]handlerFunc{
	EventJoin:           (*Controller).handleJoin,
	EventLeave:          (*Controller).handleLeave,
	EventCodeChange:     (*Controller).handleCodeChange,
	EventLanguageChange: (*Controller).handleLanguageChange,
	EventOutputChange:   (*Controller).handleOutputChange,
	EventSyncRequest:    (*Controller).handleSyncRequest,
	EventSyncCode:       (*Controller).handleSyncCode,
	EventCompile:        (*Controller).handleCompile,
}

type Controller struct {
	transport Transport
	sessions  *session.Registry
	rooms     *room.Store
	compiler  compiler.Compiler
	history   CompileRecorder
	validate  *validator.Validate
	log       *slog.Logger

	spawn func(func())
}

func NewController(transport Transport, sessions *session.Registry, rooms *room.Store, comp compiler.Compiler, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		transport: transport,
		sessions:  sessions,
		rooms:     rooms,
		compiler:  comp,
		validate:  validator.New(),
		log:       log,
		spawn:     func(fn func()) { go fn() },
	}
}

// WithHistory records every compile run through rec.
func (c *Controller) WithHistory(rec CompileRecorder) *Controller {
	c.history = rec
	return c
}

// HandleEvent dispatches one inbound event. Failures are logged and never
// reach the transport; a panicking handler is contained here.
func (c *Controller) HandleEvent(channelID, event string, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", "channel", channelID, "event", event, "panic", r)
		}
	}()

	h, ok := handlers[event]
	if !ok {
		c.log.Warn("dropping unknown event", "channel", channelID, "event", event)
		return
	}
	if err := h(c, channelID, data); err != nil {
		c.log.Warn("event dropped", "channel", channelID, "event", event, "error", err)
	}
}

// HandleDisconnect runs when the transport loses a channel. Channels that never joined are ignored.
func (c *Controller) HandleDisconnect(channelID string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("disconnect handler panicked", "channel", channelID, "panic", r)
		}
	}()

	p, ok := c.sessions.Lookup(channelID)
	if !ok {
		return
	}
	c.depart(p, false)
	c.log.Info("participant disconnected", "channel", channelID, "room", p.RoomID, "name", p.Name)
}

// Members is the current membership of roomID.
func (c *Controller) Members(roomID string) []Member {
	return ResolveMembers(roomID, c.transport.Channels(roomID), c.sessions)
}

func (c *Controller) handleJoin(channelID string, data json.RawMessage) error {
	var p JoinPayload
	if err := decode(data, &p); err != nil || c.validate.Struct(p) != nil {
		c.transport.Close(channelID)
		return ErrMalformedJoin
	}

	if prev, ok := c.sessions.Lookup(channelID); ok && prev.RoomID != p.RoomID {
		c.depart(prev, false)
	}
	if _, err := c.sessions.Register(channelID, p.Username, p.RoomID); err != nil {
		c.transport.Close(channelID)
		return err
	}
	c.transport.Join(channelID, p.RoomID)
	state, created := c.rooms.Ensure(p.RoomID)

	members := c.Members(p.RoomID)
	joined := JoinedPayload{Clients: members, Username: p.Username, SocketID: channelID}
	for _, m := range members {
		c.transport.Emit(m.SocketID, EventJoined, joined)
	}

	c.transport.Emit(channelID, EventCodeChange, CodePayload{Code: state.Code})
	c.transport.Emit(channelID, EventLanguageChange, LanguagePayload{Language: state.Language})
	c.transport.Emit(channelID, EventOutputChange, OutputPayload{Output: state.Output})

	c.log.Info("participant joined", "channel", channelID, "room", p.RoomID, "name", p.Username,
		"members", len(members), "new_room", created)
	return nil
}

func (c *Controller) handleLeave(channelID string, _ json.RawMessage) error {
	p, ok := c.sessions.Lookup(channelID)
	if !ok {
		return ErrNotJoined
	}
	c.depart(p, true)
	c.log.Info("participant left", "channel", channelID, "room", p.RoomID, "name", p.Name)
	return nil
}

// depart removes p from its room, tells the remaining members and erases the
// session. Room state is left in place even when the room empties.
func (c *Controller) depart(p session.Participant, ack bool) {
	c.transport.Leave(p.ChannelID, p.RoomID)

	members := c.Members(p.RoomID)
	msg := DisconnectedPayload{SocketID: p.ChannelID, Username: p.Name, Clients: members}
	for _, m := range members {
		if m.SocketID != p.ChannelID {
			c.transport.Emit(m.SocketID, EventDisconnected, msg)
		}
	}

	c.sessions.Unregister(p.ChannelID)
	if ack {
		c.transport.Emit(p.ChannelID, EventLeft, nil)
	}
}

func (c *Controller) handleCodeChange(channelID string, data json.RawMessage) error {
	var p CodePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	sender, err := c.sender(channelID, p.RoomID)
	if err != nil {
		return err
	}
	c.rooms.SetCode(sender.RoomID, p.Code)
	c.broadcast(sender.RoomID, channelID, EventCodeChange, CodePayload{Code: p.Code})
	return nil
}

func (c *Controller) handleLanguageChange(channelID string, data json.RawMessage) error {
	var p LanguagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	sender, err := c.sender(channelID, p.RoomID)
	if err != nil {
		return err
	}
	if err := c.rooms.SetLanguage(sender.RoomID, p.Language); err != nil {
		return fmt.Errorf("%q: %w", p.Language, err)
	}
	c.broadcast(sender.RoomID, channelID, EventLanguageChange, LanguagePayload{Language: p.Language})
	return nil
}

func (c *Controller) handleOutputChange(channelID string, data json.RawMessage) error {
	var p OutputPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	sender, err := c.sender(channelID, p.RoomID)
	if err != nil {
		return err
	}
	c.rooms.SetOutput(sender.RoomID, p.Output)
	c.broadcast(sender.RoomID, channelID, EventOutputChange, OutputPayload{Output: p.Output})
	return nil
}

// handleSyncRequest relays a request for a peer's buffer to that peer only.
func (c *Controller) handleSyncRequest(channelID string, data json.RawMessage) error {
	var p SyncRequestPayload
	if err := c.decodeValid(data, &p); err != nil {
		return err
	}
	sender, err := c.sender(channelID, "")
	if err != nil {
		return err
	}
	if !c.peerInRoom(p.SocketID, sender.RoomID) {
		return nil
	}
	c.transport.Emit(p.SocketID, EventSyncRequest, SyncRequestPayload{SocketID: channelID})
	return nil
}

// handleSyncCode relays a peer's buffer back to the requester as a code change. The server does not keep it.
func (c *Controller) handleSyncCode(channelID string, data json.RawMessage) error {
	var p SyncCodePayload
	if err := c.decodeValid(data, &p); err != nil {
		return err
	}
	sender, err := c.sender(channelID, "")
	if err != nil {
		return err
	}
	if !c.peerInRoom(p.SocketID, sender.RoomID) {
		return nil
	}
	c.transport.Emit(p.SocketID, EventCodeChange, CodePayload{Code: p.Code})
	return nil
}

// handleCompile runs the room's code remotely and publishes the rendered
// result to every member, the requester included. Edits that land while the
// call is outstanding are not reconciled with it.
func (c *Controller) handleCompile(channelID string, data json.RawMessage) error {
	var p CompilePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	sender, err := c.sender(channelID, p.RoomID)
	if err != nil {
		return err
	}
	state, _ := c.rooms.Get(sender.RoomID)
	req := compiler.Request{Script: p.Code, Language: p.Language}
	if req.Script == "" {
		req.Script = state.Code
	}
	if req.Language == "" {
		req.Language = state.Language
	}

	roomID := sender.RoomID
	c.spawn(func() {
		_, output, _ := c.Compile(context.Background(), roomID, req)
		c.transport.Schedule(func() { c.PublishOutput(roomID, output) })
	})
	return nil
}

// Compile calls the remote compiler, records the run and renders the outcome
// as output text. It does not touch room state and may run off the event loop.
func (c *Controller) Compile(ctx context.Context, roomID string, req compiler.Request) (compiler.Result, string, error) {
	if c.compiler == nil {
		err := errors.New("no compiler configured")
		return compiler.Result{}, compiler.Render(compiler.Result{}, err), err
	}
	res, err := c.compiler.Execute(ctx, req)
	output := compiler.Render(res, err)

	status := "ok"
	if err != nil || res.Error != "" {
		status = "error"
		c.log.Warn("compile failed", "room", roomID, "language", req.Language, "error", output)
	}
	if c.history != nil {
		if herr := c.history.RecordCompile(roomID, req.Language, status, output); herr != nil {
			c.log.Error("recording compile run", "room", roomID, "error", herr)
		}
	}
	return res, output, err
}

// PublishOutput stores output for roomID and sends it to every member.
func (c *Controller) PublishOutput(roomID, output string) {
	if !c.rooms.SetOutput(roomID, output) {
		return
	}
	c.broadcast(roomID, "", EventOutputChange, OutputPayload{Output: output})
}

// StateUpdate carries the slices to overwrite; nil fields are left unchanged.
type StateUpdate struct {
	Code     *string
	Language *string
	Output   *string
}

// ApplyState overwrites room slices on behalf of a non-channel caller and broadcasts each change to every member.
func (c *Controller) ApplyState(roomID string, u StateUpdate) error {
	if _, ok := c.rooms.Get(roomID); !ok {
		return ErrUnknownRoom
	}
	if u.Language != nil && !room.IsSupported(*u.Language) {
		return fmt.Errorf("%q: %w", *u.Language, room.ErrUnsupportedLanguage)
	}

	if u.Code != nil {
		c.rooms.SetCode(roomID, *u.Code)
		c.broadcast(roomID, "", EventCodeChange, CodePayload{Code: *u.Code})
	}
	if u.Language != nil {
		c.rooms.SetLanguage(roomID, *u.Language)
		c.broadcast(roomID, "", EventLanguageChange, LanguagePayload{Language: *u.Language})
	}
	if u.Output != nil {
		c.PublishOutput(roomID, *u.Output)
	}
	return nil
}

// sender returns the registered participant for channelID. A non-empty
// roomID must name the room the channel actually joined.
func (c *Controller) sender(channelID, roomID string) (session.Participant, error) {
	p, ok := c.sessions.Lookup(channelID)
	if !ok {
		return session.Participant{}, ErrNotJoined
	}
	if roomID != "" && roomID != p.RoomID {
		return session.Participant{}, fmt.Errorf("%w: %q", ErrRoomMismatch, roomID)
	}
	return p, nil
}

func (c *Controller) peerInRoom(channelID, roomID string) bool {
	if !c.transport.Connected(channelID) {
		return false
	}
	p, ok := c.sessions.Lookup(channelID)
	return ok && p.RoomID == roomID
}

// broadcast sends to every channel grouped under roomID except except.
func (c *Controller) broadcast(roomID, except, event string, payload any) {
	for _, id := range c.transport.Channels(roomID) {
		if id != except {
			c.transport.Emit(id, event, payload)
		}
	}
}

func (c *Controller) decodeValid(data json.RawMessage, v any) error {
	if err := decode(data, v); err != nil {
		return err
	}
	return c.validate.Struct(v)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedFrame)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
