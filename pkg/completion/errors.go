package completion

import "errors"

var errEmptyResponse = errors.New("empty response")
