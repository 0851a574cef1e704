package broker

import (
	"encoding/json"
	"fmt"

	"github.com/canopymq/canopy/pkg/wire"
)

// pingCB echoes the request payload with the accumulated route, the
// authenticated sender identity, and this broker's rank appended. The
// route hop count equals the tree distance traveled, which is what
// round-trip measurement tools consume.
func (b *Broker) pingCB(msg *wire.Message) error {
	var body map[string]interface{}
	if err := wire.UnpackPayload(msg, &body); err != nil {
		return err
	}
	route := msg.RouteString()
	if route != "" {
		route += "!"
	}
	body["route"] = fmt.Sprintf("%s%d", route, b.tree.Rank())
	body["userid"] = msg.UserID
	body["rolemask"] = uint32(msg.RoleMask)

	buf, err := json.Marshal(body)
	if err != nil {
		return wire.Errorf(wire.ErrMalformed, "cmb.ping: %s", err)
	}
	resp, err := wire.NewResponse(msg, nil)
	if err != nil {
		return err
	}
	resp.Payload = buf
	return b.responseSend(resp)
}
