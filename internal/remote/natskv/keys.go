package natskv

import (
	"fmt"
	"strings"
)

// Key layout in the bucket:
//
//	index.<user>            JSON array of conversation ids
//	conv.<conversation>     conversation document
//	msg.<conversation>.<id> message document
//	presence.<user>         presence document
//	will.<user>             presence document applied on disconnect
const (
	prefixIndex    = "index."
	prefixConv     = "conv."
	prefixMsg      = "msg."
	prefixPresence = "presence."
	prefixWill     = "will."
)

// validToken reports whether s can be used as one dot-separated key token.
func validToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '=':
		default:
			return false
		}
	}
	return true
}

func key(prefix string, tokens ...string) (string, error) {
	for _, t := range tokens {
		if !validToken(t) {
			return "", fmt.Errorf("invalid key token %q", t)
		}
	}
	return prefix + strings.Join(tokens, "."), nil
}

// messageID returns the message id of a msg.<conversation>.<id> key.
func messageID(k string) string {
	if i := strings.LastIndexByte(k, '.'); i >= 0 {
		return k[i+1:]
	}
	return k
}
