package vbstore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("no such node")
	ErrInvalid           = errors.New("invalid argument")
	ErrExists            = errors.New("node exists")
	ErrPermission        = errors.New("permission denied")
	ErrDuplicateWatch    = errors.New("watch already registered")
	ErrResourceExhausted = errors.New("vbstore resources exhausted")
	ErrClosed            = errors.New("vbstore client closed")
)

// Error tokens carried in MsgError payloads.
const (
	TokenNotFound   = "ENOENT"
	TokenInvalid    = "EINVAL"
	TokenExists     = "EEXIST"
	TokenPermission = "EACCES"
	TokenNoSpace    = "ENOSPC"
)

var tokenErrors = map[string]error{
	TokenNotFound:   ErrNotFound,
	TokenInvalid:    ErrInvalid,
	TokenExists:     ErrExists,
	TokenPermission: ErrPermission,
	TokenNoSpace:    ErrResourceExhausted,
}

// ErrorToken returns the wire token for err, defaulting to EINVAL.
func ErrorToken(err error) string {
	for tok, e := range tokenErrors {
		if errors.Is(err, e) {
			return tok
		}
	}

	return TokenInvalid
}

func replyError(payload []byte) error {
	tok := string(trimNul(payload))
	if err, ok := tokenErrors[tok]; ok {
		return err
	}

	return fmt.Errorf("%w: store replied %q", ErrInvalid, tok)
}
