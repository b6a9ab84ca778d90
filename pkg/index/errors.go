package index

import "errors"

var (
	errAlreadyExists = errors.New("node already exists")
	errNotFound      = errors.New("node not found")
)
