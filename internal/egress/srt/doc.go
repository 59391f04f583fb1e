// Package srt publishes live streams over SRT (Secure Reliable Transport),
// both in listener mode (Server), where receivers connect and name the
// stream they want, and in caller mode (Caller), where the server dials a
// remote SRT listener and pushes a stream to it.
//
// Stream IDs take the form "aac/<key>" or "pcm/<key>". A bare key selects
// the AAC stream.
package srt
