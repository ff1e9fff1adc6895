package constants

// File format
const (
	// Magic is the four-byte signature that opens every SIDB stream.
	Magic = "SYL "
	// MaxFormat is the newest SIDB format this build can read and write.
	MaxFormat byte = 14
)

// Backup files, named after the database file
const (
	SessionSuffix  = ".lock"
	AutosaveSuffix = ".autosave"
)

// Replication
const (
	// DefaultPort is the well-known TCP port of the replication server.
	DefaultPort = 5192
	// DefaultIPLookupURL answers with the caller's public address as JSON.
	DefaultIPLookupURL = "https://api.ipify.org?format=json"
	// MaxFrameField caps a single length-prefixed wire field.
	MaxFrameField = 256 << 20
)

var (
	WebsocketScheme = "ws"
	SyncPath        = "/sync"
	HealthPath      = "/health"
)
