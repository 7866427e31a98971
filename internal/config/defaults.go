package config

import "time"

const (
	maxRetries          = 8
	initialTimeout      = 10 * time.Second
	maxTimeout          = 90 * time.Second
	retryShortDelay     = 5 * time.Second
	retryLongDelay      = 10 * time.Second
	genericRetries      = 2
	archiveConnections  = 2
	checkpointInterval  = 10 * time.Second
	missedHashTolerance = 5
)
