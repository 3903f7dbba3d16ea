package delivery

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/chat"
)

var validate = validator.New()

// Frame is one inbound message from a socket. A zero ChatID asks for the
// private chat with RecipientID to be resolved first.
type Frame struct {
	SenderID    int64  `json:"sender_id" validate:"required,gt=0"`
	ChatID      int64  `json:"chat_id" validate:"gte=0"`
	RecipientID int64  `json:"recipient_id" validate:"gte=0,required_if=ChatID 0"`
	Body        string `json:"body" validate:"required"`
	MessageType string `json:"message_type" validate:"omitempty,max=20"`
}

// DecodeFrame parses a JSON frame, or the legacy underscore form
// sender_chat_recipient_body for frames that do not start with '{'.
func DecodeFrame(raw []byte) (Frame, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Frame{}, apperr.Invalid("empty frame")
	}

	var (
		f   Frame
		err error
	)
	if raw[0] == '{' {
		err = json.Unmarshal(raw, &f)
		if err != nil {
			err = apperr.Invalid("malformed frame: %v", err)
		}
	} else {
		f, err = decodeLegacy(string(raw))
	}
	if err != nil {
		return Frame{}, err
	}

	if err := validate.Struct(f); err != nil {
		return Frame{}, apperr.Invalid("frame rejected: %v", err)
	}
	if len([]rune(f.Body)) > chat.MaxBodyLength {
		return Frame{}, apperr.Invalid("message body exceeds %d characters", chat.MaxBodyLength)
	}
	return f, nil
}

// decodeLegacy splits into at most four fields so the body keeps any
// underscores it contains.
func decodeLegacy(raw string) (Frame, error) {
	parts := strings.SplitN(raw, "_", 4)
	if len(parts) != 4 {
		return Frame{}, apperr.Invalid("legacy frame needs 4 fields, got %d", len(parts))
	}
	ids := make([]int64, 3)
	for i, p := range parts[:3] {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return Frame{}, apperr.Invalid("legacy frame field %d: %v", i+1, err)
		}
		ids[i] = id
	}
	return Frame{
		SenderID:    ids[0],
		ChatID:      ids[1],
		RecipientID: ids[2],
		Body:        parts[3],
	}, nil
}
