// Package domain defines the core types of the Gemini relay.
//
// This package has no dependencies outside the Go standard library. It holds
// the inbound request model, the error taxonomy shared by the front door and
// the upstream forwarder, and the JSON decoding rules that turn a request body
// into a GenerateRequest.
//
// The dependency direction is always:
//
//	server, upstream → domain (CORRECT)
//	domain → server, upstream (FORBIDDEN)
package domain
