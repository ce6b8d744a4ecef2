// Package capweb is an object-capability RPC engine speaking the Cap'n Web
// protocol over any message transport.
//
// Two `Session`s, one on each side of a `Transport`, each expose a *main*
// capability to the other. Application code calls methods on `Stub`s and
// receives `Promise`s, which can themselves be called before they settle:
// the calls are *pipelined* and a whole chain costs a single round trip.
//
// ## How it works
//
// Every call is a `push` frame naming its receiver by id. The callee
// allocates the next result slot without any reply, so the caller can
// already refer to that slot in the arguments of its next call. A `pull`
// frame asks for the settlement, which comes back as `resolve` or
// `reject`.
//
// Capabilities passed by reference live in the export table of the side
// which owns them and in the import table of the other side. Each side
// counts how many times an id was introduced, and `release` frames carry
// that count back when the last local handle is disposed, so both tables
// converge without a round trip per reference.
//
// Frames produced while the application runs are queued and coalesced: a
// batch is only sent when a result is awaited or when the session goes
// idle. This is what lets the HTTP batch transport carry a full pipeline
// in one request.
//
// ## Ownership
//
// > Every `Stub` and `Promise` must be disposed exactly once.
//
// `Dup` returns an independent handle. Values obtained from `Await` are
// borrowed from the promise, and arguments received by a `Target` are
// borrowed from the call: `Dup` the stubs you want to keep.
//
// ## Transports
//
// The `pkg/transport` package provides an in-process pipe, a WebSocket and
// a QUIC transport. The `pkg/httpbatch` package serves and consumes the
// one-shot HTTP batch variant of the protocol.
package capweb
