package daemon

// NetFSServer abstracts the network filesystem server fronting the overlay
type NetFSServer interface {
	// Serve starts the server on the given address (e.g., "127.0.0.1:12345")
	Serve(addr string) error

	// Shutdown stops the server
	Shutdown()
}

// NetFSType returns the type of network filesystem in use
func NetFSType() string {
	return netFSTypeName
}

// netFSTypeName is set by the transport implementation's init
var netFSTypeName string
