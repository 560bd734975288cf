package broker

import "errors"

// ErrBrokerClosed is returned by Enqueue once Close has been called.
var ErrBrokerClosed = errors.New("broker: closed")
