package httpapi

import (
	"errors"
	"fmt"
)

var errStreamingUnsupported = errors.New("httpapi: response writer does not support flushing")

func errSimulationNotFound(simID string) error {
	return fmt.Errorf("httpapi: no simulation registered under %q", simID)
}
