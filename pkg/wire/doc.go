/*
Package wire defines the typed message that every Canopy socket carries
and its binary framing.

A message is one of four types:

	REQUEST    addressed to a service at a rank (or ANY/UPSTREAM)
	RESPONSE   correlated to a request by matchtag, unwound hop by hop
	EVENT      sequenced at rank 0, delivered session-wide
	KEEPALIVE  liveness and module status transitions

# Route stacks

Requests accumulate a return path as they travel: each routing endpoint
that receives a request pushes the sender's identity onto the route
stack. Responses unwind the same stack one hop at a time; when the stack
is empty the response has reached the original requester. Identifiers
are opaque strings: decimal ranks for broker peers, uuids for modules
and connector clients.

# Envelope

The envelope is encoded in protobuf wire format (via the protowire
package) and framed on stream sockets with a 4-byte big-endian length
prefix. Payloads are opaque to the envelope and by convention carry JSON
object trees.

# Errors

The core's error kinds (no-service, no-host, malformed, permission
denied, exists, not-found, immutable, module-load, transport) are
*Error values carrying a numeric code and a reason. Error responses
serialize them as {"errnum": code, "errstr": reason} payloads;
ResponseError recovers the error on the receiving side so callers can
match kinds with errors.Is.
*/
package wire
