package database

import "errors"

var errCopyUnsupported = errors.New("copy unsupported by driver")
