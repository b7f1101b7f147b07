package soloist

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"
)

// Identity holds the facts that define an application's instance family.
// Two processes derive the same block token, and therefore coordinate with
// each other, exactly when their identities (under the same mode options)
// match.
type Identity struct {
	AppName   string
	OrgName   string
	OrgDomain string
	// AppVersion takes part in the token unless WithExcludeAppVersion is
	// set, so different versions of the same app coexist by default.
	AppVersion string
	// AppPath is the binary path fed into the token. Empty means "resolve
	// the running executable's path"; it is ignored entirely under
	// WithExcludeAppPath.
	AppPath string
}

// bundlePathEnv, when set, replaces the on-disk binary path in the token so
// that identity survives relocation of a self-contained bundle.
const bundlePathEnv = "APPIMAGE"

// tokenSeparator is a fixed domain separator so the token can never collide
// with a hash of the same facts computed for another purpose.
const tokenSeparator = "soloist"

// blockID derives the stable token naming every OS-level resource of this
// instance family: the election block file and the primary's socket. It is
// deterministic in its inputs and safe as a file name (standard base64 with
// the slash swapped for an underscore).
func blockID(id Identity, mode modeOptions, osi osIface) string {
	h := sha256.New()
	io.WriteString(h, tokenSeparator)
	io.WriteString(h, id.AppName)
	io.WriteString(h, id.OrgName)
	io.WriteString(h, id.OrgDomain)
	if !mode.excludeAppVersion {
		io.WriteString(h, id.AppVersion)
	}
	if !mode.excludeAppPath {
		path := id.AppPath
		if bundle := osi.Getenv(bundlePathEnv); bundle != "" {
			path = bundle
		}
		io.WriteString(h, path)
	}
	if mode.userScope {
		io.WriteString(h, osi.Username())
	}
	return strings.ReplaceAll(base64.StdEncoding.EncodeToString(h.Sum(nil)), "/", "_")
}
