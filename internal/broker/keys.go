// Copyright 2025 James Ross
package broker

import (
	"fmt"

	"github.com/optimus-run/optimus/internal/model"
)

// QueueKey is the per-language FIFO queue key (§4.1).
func QueueKey(l model.Language) string {
	return fmt.Sprintf("optimus:queue:%s", l)
}

// StatusKey is the per-job status marker key.
func StatusKey(jobID string) string {
	return fmt.Sprintf("optimus:status:%s", jobID)
}

// ResultKey is the per-job result blob key.
func ResultKey(jobID string) string {
	return fmt.Sprintf("optimus:result:%s", jobID)
}
