package ws

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mqy/presencehub/store"
)

const (
	ErrorCodeNotFound = 5

	recipientUnavailable = "User not found or offline"
)

// EventApi validates websocket client events and builds the messages to route.
// An error returned from EventApi means the event is malformed and should be dropped.
type EventApi struct {
	validate *validator.Validate
	nowFn    func() time.Time
}

func NewApi(nowFn func() time.Time) *EventApi {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &EventApi{
		validate: validator.New(),
		nowFn:    nowFn,
	}
}

func (s *EventApi) GroupMessage(author string, req *GroupMessageReq) (store.GroupMessage, error) {
	if err := s.validate.Struct(req); err != nil {
		return store.GroupMessage{}, fmt.Errorf("chat_message: %w", err)
	}
	return store.GroupMessage{
		Author:    author,
		Text:      req.Text,
		Timestamp: store.Timestamp(req.Timestamp, s.nowFn()),
	}, nil
}

func (s *EventApi) PrivateMessage(author string, req *PrivateMessageReq) (store.PrivateMessage, error) {
	if err := s.validate.Struct(req); err != nil {
		return store.PrivateMessage{}, fmt.Errorf("private_message: %w", err)
	}
	return store.PrivateMessage{
		Author:    author,
		Recipient: req.To,
		Text:      req.Text,
		Timestamp: store.Timestamp(req.Timestamp, s.nowFn()),
		IsPrivate: true,
	}, nil
}

func (s *EventApi) CheckHistoryReq(req *HistoryReq) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("get_private_history: %w", err)
	}
	return nil
}

func newNotFoundError(params ...string) *Error {
	return &Error{
		Code:   ErrorCodeNotFound,
		Params: params,
	}
}
