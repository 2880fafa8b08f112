package svc

import "errors"

// ErrUnknownFeed is returned when feed.provider names no registered upstream.
var ErrUnknownFeed = errors.New("price feed not registered")

var ErrStorageInitFailed = errors.New("storage initialization failed")
