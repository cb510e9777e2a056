package dashboard

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

// decodeFrame turns one stream frame into an event. Frames of any type other
// than usage_update come back with only Type set; their payload is not
// validated because nothing reads it.
func decodeFrame(data []byte) (LiveUpdateEvent, error) {
	if !gjson.ValidBytes(data) {
		return LiveUpdateEvent{}, &DecodingError{Details: "stream frame", Err: errors.New("invalid JSON")}
	}
	frameType := gjson.GetBytes(data, "type")
	if !frameType.Exists() {
		return LiveUpdateEvent{}, &DecodingError{Details: "stream frame", Err: errors.New("missing type")}
	}
	if frameType.String() != EventTypeUsageUpdate {
		return LiveUpdateEvent{Type: frameType.String()}, nil
	}

	var raw streamMessageRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return LiveUpdateEvent{}, &DecodingError{Details: "stream frame", Err: err}
	}
	event, err := normalizeStreamMessage(raw)
	if err != nil {
		return LiveUpdateEvent{}, &DecodingError{Details: "stream frame", Err: err}
	}
	return event, nil
}
