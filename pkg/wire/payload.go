package wire

import "encoding/json"

// PackPayload encodes a payload value as a JSON object tree. nil encodes
// to an empty payload.
func PackPayload(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, Errorf(ErrMalformed, "encoding payload: %s", err)
	}
	return buf, nil
}

// UnpackPayload decodes a message's JSON payload into v. An empty payload
// or a decode failure is a malformed-payload error.
func UnpackPayload(msg *Message, v interface{}) error {
	if len(msg.Payload) == 0 {
		return Errorf(ErrMalformed, "%s: empty payload", msg.Topic)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return Errorf(ErrMalformed, "%s: decoding payload: %s", msg.Topic, err)
	}
	return nil
}
