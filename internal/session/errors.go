package session

import "errors"

// ErrNoSession is returned when a command targets a token with no live
// connection. Use errors.Is() to check for it in calling code.
var ErrNoSession = errors.New("session: no live connection for token")
