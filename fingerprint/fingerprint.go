// Package fingerprint derives a semi-stable string identifying the current
// device installation from locally observable signals. The result is not
// globally unique; it only needs to be stable across restarts of the same
// installation and to vary across distinct machines with high probability.
//
// Collection is pure and never fails: signals that cannot be read are
// substituted with empty strings rather than surfaced as errors, since the
// fingerprint gates key recovery at startup.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Signals holds the ambient observations the fingerprint is built from.
// Field order in the concatenation is part of the derived-key contract and
// must not change between releases.
type Signals struct {
	// UserAgent identifies the runtime and installation.
	UserAgent string

	// Language is the configured locale, e.g. "en_US.UTF-8".
	Language string

	// HardwareConcurrency is the logical CPU count. Zero when unknown.
	HardwareConcurrency int

	// ScreenWidth, ScreenHeight and ColorDepth describe the primary
	// display. Zero when no display is observable; headless installations
	// simply contribute empty fields.
	ScreenWidth  int
	ScreenHeight int
	ColorDepth   int

	// RenderSignature is a best-effort hash of installation-specific
	// rendering/identity material. Empty when nothing stable is readable.
	RenderSignature string
}

// Provider supplies the ambient signals. Implementations must be
// deterministic for a given installation and must never panic.
type Provider interface {
	Signals() Signals
}

// Collect concatenates the provider's signals into the fingerprint string.
// A nil provider falls back to the host provider. Never fails.
func Collect(p Provider) string {
	if p == nil {
		p = Host()
	}
	s := p.Signals()

	parts := []string{
		s.UserAgent,
		s.Language,
		intField(s.HardwareConcurrency),
		intField(s.ScreenWidth),
		intField(s.ScreenHeight),
		intField(s.ColorDepth),
		s.RenderSignature,
	}
	return strings.Join(parts, "|")
}

func intField(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

// Host returns the default provider backed by the local machine.
func Host() Provider {
	return hostProvider{}
}

type hostProvider struct{}

func (hostProvider) Signals() Signals {
	return Signals{
		UserAgent:           hostUserAgent(),
		Language:            hostLanguage(),
		HardwareConcurrency: runtime.NumCPU(),
		// No display is observable for a headless service; the display
		// fields stay empty.
		RenderSignature: renderSignature(),
	}
}

// hostUserAgent synthesizes an identifier from runtime facts that are
// stable for an installation but differ across platforms and hosts.
func hostUserAgent() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	return "framekey/1 (" + runtime.GOOS + "; " + runtime.GOARCH + ") " + runtime.Version() + " " + hostname
}

func hostLanguage() string {
	for _, v := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if lang := os.Getenv(v); lang != "" {
			return lang
		}
	}
	return ""
}

// machineIDPaths are probed in order for a stable installation identifier.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/etc/hostid",
}

// renderSignature hashes a fixed scene tag together with whatever stable
// machine identity material is readable. The exact bytes are not
// load-bearing; the signature only has to be deterministic per
// installation. Best-effort: if no identity material is readable the
// signature is omitted entirely.
func renderSignature() string {
	var material []byte
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		material = append(material, strings.TrimSpace(string(data))...)
	}
	if len(material) == 0 {
		return ""
	}

	h := sha256.New()
	h.Write([]byte("framekey-render-scene-v1:"))
	h.Write(material)
	return hex.EncodeToString(h.Sum(nil))
}

// Static returns a provider that always reports the given signals. Useful
// for tests and for embedders that collect signals through other channels.
func Static(s Signals) Provider {
	return staticProvider{signals: s}
}

type staticProvider struct {
	signals Signals
}

func (p staticProvider) Signals() Signals {
	return p.signals
}
