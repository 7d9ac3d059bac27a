package deltasync

import "time"

// DeltaManagerSettings carries every tunable constant named in spec §6,
// grounded on `connect/transport.go`'s `PlatformTransportSettings` /
// `DefaultPlatformTransportSettings()` pattern (a settings struct plus a
// constructor of spec-mandated defaults). DeltaManager reads only
// DefaultContentBufferSize and ContentWaitTimeout from it; the other
// fields mirror the package constants, which the reconnect ladder, fetch
// backoff, batch size and ack timer use directly, so changing those
// fields has no effect.
type DeltaManagerSettings struct {
	InitialReconnectDelay    time.Duration
	MaxReconnectDelay        time.Duration
	MissingFetchDelay        time.Duration
	MaxFetchDelay            time.Duration
	MaxBatchDeltas           uint64
	DefaultChunkSize         ByteCount
	DefaultContentBufferSize int
	AckTimerDelay            time.Duration
	MsnTelemetryFloor        uint64
	MsnTelemetryGranularity  uint64

	// ContentWaitTimeout bounds how long the PendingContent stage waits
	// on the content cache's one-shot event before falling back to a
	// single-op storage fetch of that sequence number (spec §4.1 "Content
	// side-channel"). Not separately wire-visible; a local tuning knob.
	ContentWaitTimeout time.Duration
}

func DefaultDeltaManagerSettings() *DeltaManagerSettings {
	return &DeltaManagerSettings{
		InitialReconnectDelay:    InitialReconnectDelay,
		MaxReconnectDelay:        MaxReconnectDelay,
		MissingFetchDelay:        MissingFetchDelay,
		MaxFetchDelay:            MaxFetchDelay,
		MaxBatchDeltas:           MaxBatchDeltas,
		DefaultChunkSize:         DefaultChunkSize,
		DefaultContentBufferSize: DefaultContentBufferSize,
		AckTimerDelay:            AckTimerDelay,
		MsnTelemetryFloor:        MsnTelemetryFloor,
		MsnTelemetryGranularity:  MsnTelemetryGranularity,
		ContentWaitTimeout:       2 * time.Second,
	}
}
