// ABOUTME: Build and product identification
// ABOUTME: Reported in monitor handshakes and tsync file metadata
package version

// Version is overridden at link time with -ldflags "-X .../version.Version=..."
var Version = "0.3.0"

const (
	Product      = "tsync-go"
	Manufacturer = "Syntalos"
)

// String returns the product and version in one line
func String() string {
	return Product + " " + Version
}
