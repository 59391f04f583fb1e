// Package adts builds and parses Audio Data Transport Stream framing for
// AAC. ADTS prefixes each raw AAC access unit with a self-describing header
// so a byte stream can be decoded from any frame boundary, which is what
// makes it suitable for live HTTP and SRT delivery.
//
// [BuildHeader] produces the 7-byte header for an encoded access unit,
// [ParseADTS] splits a complete buffer into frames and [Reader] does the
// same incrementally over an [io.Reader].
package adts
