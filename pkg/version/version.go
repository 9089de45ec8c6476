package version

// Current defines the application version.
// Release builds set it with -ldflags "-X github.com/DrSkyle/certcheck/pkg/version.Current=vX.Y.Z".
var Current = "dev"

// AppName is used in the User-Agent and help output.
const AppName = "certcheck"
