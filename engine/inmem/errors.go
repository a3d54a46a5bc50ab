package inmem

import "errors"

var errSimulated = errors.New("simulated outage")
