// Package gateway implements the device-facing TCP listener, the
// per-connection stream reassembly loop, and the protocol dispatcher that
// interprets decoded frames.
//
// Each accepted socket gets its own goroutine reading into a growable
// buffer; frames are decoded and processed sequentially per connection while
// connections run in parallel. The dispatcher is shared and stateless apart
// from the outbound message id counter.
package gateway
