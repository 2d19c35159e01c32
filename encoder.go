package lspframe

import "strconv"

// Encode frames payload for transmission:
//
//	Content-Length: <bytes>\r\n
//	\r\n
//	<payload>
//
// The declared length counts bytes, not characters, and the payload is copied
// unchanged.
func Encode(payload string) []byte {
	return AppendEncode(make([]byte, 0, len(payload)+32), payload)
}

// AppendEncode appends the framed form of payload to dst and returns the extended slice.
func AppendEncode(dst []byte, payload string) []byte {
	dst = append(dst, contentLengthHeader...)
	dst = append(dst, ": "...)
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, headerTerminator...)
	return append(dst, payload...)
}
