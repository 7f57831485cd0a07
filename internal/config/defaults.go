package config

// Default configuration constants for instrument I/O and session behavior
const (
	DefaultBaudRate           = 9600
	DefaultQueryTimeoutMs     = 2000
	DefaultPostCommandDelayMs = 50
	DefaultIdentifyTimeoutMs  = 3000

	DefaultPollIntervalMs      = 250
	DefaultStatusRefreshTicks  = 4 // status fields re-read every Nth poll
	DefaultSetpointDebounceMs  = 250
	DefaultErrorThreshold      = 3
	DefaultHistoryRetentionMs  = 1800000 // 30 minutes
	DefaultScopePollIntervalMs = 1000
	MinStreamIntervalMs        = 200

	DefaultDiscoveryIntervalMs = 10000
	DefaultTriggerEvalMs       = 100
	DefaultDiagIntervalMs      = 5000

	DefaultClientSendBuffer = 256
	DefaultClientDropLimit  = 64
	DefaultClientEventRing  = 512
	DefaultUpdateBufferSize = 128
	MaxSequencePoints       = 100000

	DefaultListenAddr = "127.0.0.1:8765"
	DefaultStorePath  = "benchd.db"
)
