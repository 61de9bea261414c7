package control

import "errors"

var (
	ErrRouteNotFound = errors.New("route not found")
	ErrBadRequest    = errors.New("bad request")
)
