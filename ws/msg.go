package ws

import (
	"encoding/json"

	"github.com/mqy/presencehub/store"
)

// Session describes a websocket connection.
type Session struct {
	Username   string `json:"username"`
	Sid        string `json:"sid"`
	CreateTime int64  `json:"create_time"`
	Ip         string `json:"ip,omitempty"`
}

func (s *Session) String() string {
	out, _ := json.Marshal(s)
	return string(out)
}

// ClientMsg is a message from client. Exactly one field is expected to be set.
type ClientMsg struct {
	ChatMessage       *GroupMessageReq   `json:"chat_message,omitempty"`
	PrivateMessage    *PrivateMessageReq `json:"private_message,omitempty"`
	GetPrivateHistory *HistoryReq        `json:"get_private_history,omitempty"`
}

type GroupMessageReq struct {
	Text      string `json:"text" validate:"required,max=65536"`
	Timestamp string `json:"timestamp,omitempty"`
}

type PrivateMessageReq struct {
	To        string `json:"to" validate:"required"`
	Text      string `json:"text" validate:"required,max=65536"`
	Timestamp string `json:"timestamp,omitempty"`
}

type HistoryReq struct {
	WithUser string `json:"with_user" validate:"required"`
}

// ServerMsg is a message to client. Exactly one field is set.
type ServerMsg struct {
	InitialMessages *Backlog            `json:"initial_messages,omitempty"`
	UserList        *UserList           `json:"user_list,omitempty"`
	Message         *store.GroupMessage `json:"message,omitempty"`
	PrivateMessage  *PrivateDelivery    `json:"private_message,omitempty"`
	PrivateHistory  *PrivateHistory     `json:"private_history,omitempty"`
	Error           *Error              `json:"error,omitempty"`
}

type Backlog struct {
	Messages []store.GroupMessage `json:"messages"`
}

type UserList struct {
	Users []store.PresenceEntry `json:"users"`
}

// PrivateDelivery carries a private message. `From` names the conversation the receiver
// should render it in: the sender for the recipient, the recipient for the sender's echo.
type PrivateDelivery struct {
	From    string               `json:"from"`
	Message store.PrivateMessage `json:"message"`
}

type PrivateHistory struct {
	WithUser string                 `json:"with_user"`
	Messages []store.PrivateMessage `json:"messages"`
}

type Error struct {
	Code   int32    `json:"code"`
	Params []string `json:"params,omitempty"`
}
