package api

import (
	"encoding/json"
	"fmt"
	"io"

	"foundry/internal/models"
)

// DecodeChats reads a {"chats": {id: conversation}} document and keeps the
// key order of the chats object, which a plain map would lose.
func DecodeChats(r io.Reader) (models.Chats, []string, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, nil, err
	}

	chats := make(models.Chats)
	var order []string
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		if key != "chats" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, nil, err
			}
			continue
		}

		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		if tok == nil {
			continue
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			return nil, nil, fmt.Errorf("chats: expected object, got %v", tok)
		}
		for dec.More() {
			idTok, err := dec.Token()
			if err != nil {
				return nil, nil, err
			}
			id, _ := idTok.(string)
			var conv models.Conversation
			if err := dec.Decode(&conv); err != nil {
				return nil, nil, fmt.Errorf("chat %s: %w", id, err)
			}
			if conv.Messages == nil {
				conv.Messages = []models.Message{}
			}
			if _, dup := chats[id]; !dup {
				order = append(order, id)
			}
			chats[id] = &conv
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, nil, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, nil, err
	}
	return chats, order, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
