// roomy-discord-bridge - A Discord-Roomy bridging engine.
// Copyright (C) 2026 Roomy Chat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package roomy models the Roomy space event stream as consumed by the
// bridge: the event kinds, their payloads, the extension bag, and the
// Stream/Publisher interfaces the transport layer has to provide.
package roomy

import (
	"encoding/json"
	"fmt"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

// Event kind discriminators.
const (
	KindCreateRoom            = "room.createRoom"
	KindDeleteRoom            = "room.deleteRoom"
	KindUpdateParent          = "room.updateParent"
	KindCreateRoomLink        = "link.createRoomLink"
	KindUpdateSidebarV0       = "space.updateSidebar.v0"
	KindUpdateSidebar         = "space.updateSidebar.v1"
	KindCreateMessage         = "message.createMessage"
	KindEditMessage           = "message.editMessage"
	KindDeleteMessage         = "message.deleteMessage"
	KindForwardMessages       = "message.forwardMessages"
	KindAddBridgedReaction    = "reaction.addBridgedReaction"
	KindRemoveBridgedReaction = "reaction.removeBridgedReaction"
	KindAddReaction           = "reaction.addReaction"
	KindRemoveReaction        = "reaction.removeReaction"
	KindUpdateProfile         = "user.updateProfile"
)

// Payload is the kind-specific body of an event.
type Payload interface {
	EventKind() string
}

type RoomKind string

const (
	RoomKindChannel RoomKind = "channel"
	RoomKindThread  RoomKind = "thread"
)

type CreateRoom struct {
	Name string   `json:"name"`
	Kind RoomKind `json:"kind"`
}

type DeleteRoom struct {
	Room bridgeid.ULID `json:"room"`
}

type UpdateParent struct {
	Room   bridgeid.ULID `json:"room"`
	Parent bridgeid.ULID `json:"parent"`
}

type CreateRoomLink struct {
	Parent         bridgeid.ULID `json:"parent"`
	Child          bridgeid.ULID `json:"child"`
	IsCreationLink bool          `json:"isCreationLink"`
}

type SidebarCategory struct {
	ID       bridgeid.ULID   `json:"id"`
	Name     string          `json:"name"`
	Children []bridgeid.ULID `json:"children"`
}

type UpdateSidebar struct {
	Categories []SidebarCategory `json:"categories"`
}

type MessageBody struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type CreateMessage struct {
	Room bridgeid.ULID `json:"room"`
	Body MessageBody   `json:"body"`
}

type EditMessage struct {
	Room    bridgeid.ULID `json:"room"`
	Message bridgeid.ULID `json:"message"`
	Body    MessageBody   `json:"body"`
}

type DeleteMessage struct {
	Room    bridgeid.ULID `json:"room"`
	Message bridgeid.ULID `json:"message"`
}

type ForwardMessages struct {
	Room     bridgeid.ULID   `json:"room"`
	Messages []bridgeid.ULID `json:"messages"`
}

type AddReaction struct {
	Room       bridgeid.ULID `json:"room"`
	ReactionTo bridgeid.ULID `json:"reactionTo"`
	Reaction   string        `json:"reaction"`
}

type RemoveReaction struct {
	Room       bridgeid.ULID `json:"room"`
	ReactionTo bridgeid.ULID `json:"reactionTo"`
	Reaction   string        `json:"reaction"`
}

type AddBridgedReaction struct {
	Room         bridgeid.ULID    `json:"room"`
	ReactionTo   bridgeid.ULID    `json:"reactionTo"`
	Reaction     string           `json:"reaction"`
	ReactingUser bridgeid.UserDID `json:"reactingUser"`
}

type RemoveBridgedReaction struct {
	Room         bridgeid.ULID    `json:"room"`
	ReactionTo   bridgeid.ULID    `json:"reactionTo"`
	Reaction     string           `json:"reaction"`
	ReactingUser bridgeid.UserDID `json:"reactingUser"`
}

type UpdateProfile struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Handle string `json:"handle,omitempty"`
}

func (CreateRoom) EventKind() string            { return KindCreateRoom }
func (DeleteRoom) EventKind() string            { return KindDeleteRoom }
func (UpdateParent) EventKind() string          { return KindUpdateParent }
func (CreateRoomLink) EventKind() string        { return KindCreateRoomLink }
func (UpdateSidebar) EventKind() string         { return KindUpdateSidebar }
func (CreateMessage) EventKind() string         { return KindCreateMessage }
func (EditMessage) EventKind() string           { return KindEditMessage }
func (DeleteMessage) EventKind() string         { return KindDeleteMessage }
func (ForwardMessages) EventKind() string       { return KindForwardMessages }
func (AddReaction) EventKind() string           { return KindAddReaction }
func (RemoveReaction) EventKind() string        { return KindRemoveReaction }
func (AddBridgedReaction) EventKind() string    { return KindAddBridgedReaction }
func (RemoveBridgedReaction) EventKind() string { return KindRemoveBridgedReaction }
func (UpdateProfile) EventKind() string         { return KindUpdateProfile }

// Event is one entry of a Roomy space stream. The stream transport decodes
// the wire representation into this; the bridge core never touches raw bytes.
type Event struct {
	ID         bridgeid.ULID
	Kind       string
	Author     bridgeid.UserDID
	Payload    Payload
	Extensions Extensions
}

// NewEvent allocates an event with a fresh ULID for the given payload.
func NewEvent(payload Payload) *Event {
	return &Event{
		ID:      bridgeid.NewULID(),
		Kind:    payload.EventKind(),
		Payload: payload,
	}
}

type wireEvent struct {
	ID         bridgeid.ULID    `json:"id"`
	Kind       string           `json:"kind"`
	Author     bridgeid.UserDID `json:"author,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	Extensions *Extensions      `json:"extensions,omitempty"`
}

func (evt *Event) MarshalJSON() ([]byte, error) {
	out := wireEvent{
		ID:     evt.ID,
		Kind:   evt.Kind,
		Author: evt.Author,
	}
	if evt.Payload != nil {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", evt.Kind, err)
		}
		out.Payload = payload
	}
	if !evt.Extensions.IsEmpty() {
		out.Extensions = &evt.Extensions
	}
	return json.Marshal(&out)
}

func (evt *Event) UnmarshalJSON(data []byte) error {
	var raw wireEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	evt.ID = raw.ID
	evt.Kind = raw.Kind
	evt.Author = raw.Author
	if raw.Extensions != nil {
		evt.Extensions = *raw.Extensions
	} else {
		evt.Extensions = Extensions{}
	}
	payload := newPayload(raw.Kind)
	if payload == nil {
		evt.Payload = nil
		return nil
	}
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, payload); err != nil {
			return fmt.Errorf("failed to parse %s payload: %w", raw.Kind, err)
		}
	}
	evt.Payload = toValuePayload(payload)
	return nil
}

func newPayload(kind string) Payload {
	switch kind {
	case KindCreateRoom:
		return &CreateRoom{}
	case KindDeleteRoom:
		return &DeleteRoom{}
	case KindUpdateParent:
		return &UpdateParent{}
	case KindCreateRoomLink:
		return &CreateRoomLink{}
	case KindUpdateSidebar, KindUpdateSidebarV0:
		return &UpdateSidebar{}
	case KindCreateMessage:
		return &CreateMessage{}
	case KindEditMessage:
		return &EditMessage{}
	case KindDeleteMessage:
		return &DeleteMessage{}
	case KindForwardMessages:
		return &ForwardMessages{}
	case KindAddReaction:
		return &AddReaction{}
	case KindRemoveReaction:
		return &RemoveReaction{}
	case KindAddBridgedReaction:
		return &AddBridgedReaction{}
	case KindRemoveBridgedReaction:
		return &RemoveBridgedReaction{}
	case KindUpdateProfile:
		return &UpdateProfile{}
	default:
		return nil
	}
}

func toValuePayload(p Payload) Payload {
	switch typed := p.(type) {
	case *CreateRoom:
		return *typed
	case *DeleteRoom:
		return *typed
	case *UpdateParent:
		return *typed
	case *CreateRoomLink:
		return *typed
	case *UpdateSidebar:
		return *typed
	case *CreateMessage:
		return *typed
	case *EditMessage:
		return *typed
	case *DeleteMessage:
		return *typed
	case *ForwardMessages:
		return *typed
	case *AddReaction:
		return *typed
	case *RemoveReaction:
		return *typed
	case *AddBridgedReaction:
		return *typed
	case *RemoveBridgedReaction:
		return *typed
	case *UpdateProfile:
		return *typed
	default:
		return p
	}
}
