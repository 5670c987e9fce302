// Package wire defines the DDP message shapes and the codecs that move them
// on and off the socket.
//
// Messages are keyed by the "msg" discriminator. A single Message struct
// carries every field used by the core protocol; unused fields are omitted
// on encode.
//
// # EJSON
//
// The default codec speaks EJSON, the JSON superset DDP servers use for
// extended types:
//   - {"$date": <ms since epoch>}   <-> time.Time (UTC)
//   - {"$binary": <base64>}         <-> []byte
//   - {"$InfNaN": 1 | -1 | 0}       <-> +Inf, -Inf, NaN
//   - {"$escape": {...}}            objects whose keys collide with the above
//
// Custom {"$type", "$value"} values are passed through as plain maps.
package wire
