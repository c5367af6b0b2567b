// Package artifact renders the client-facing configuration handed back to
// an operator after create/rotate/getArtifact, plus its QR encoding.
//
// Grounded on original_source/app/wg.py's generate_client_config (the
// [Interface]/[Peer] template, dual-stack address, DNS/MTU lines) and
// app/qr.py's generate_qr_data_uri, reimplemented with
// github.com/skip2/go-qrcode in the style observed in the pero082-wg-
// orchestrator standalone example (QR encoded straight to PNG bytes, then
// base64 wrapped in a data URI).
package artifact

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"

	"vpnctl/internal/domain"
)

// Params carries everything needed to render a client config, independent
// of the registry/lifecycle types so this package has no upward
// dependency.
type Params struct {
	Platform            domain.Platform
	PrivateKey          string
	Address             string // host address, no mask, e.g. "10.50.0.3"
	IPv6Address         string // optional dual-stack address, e.g. "fd42:42:42::3"
	ServerPublicKey     string
	ServerEndpoint      string
	DNS                 string
	MTU                 int
	PersistentKeepalive int
}

// Render produces the full client-side WireGuard configuration text.
// Linux clients get a post-up/down DNS override (so NetworkManager-less
// setups still get the hijacked resolver); every other platform gets a
// plain DNS line and a dual-stack AllowedIPs/Address pair, matching the
// platform-specific branching spec §4.4 calls out as the one place
// platform rules diverge.
func Render(p Params) string {
	var b strings.Builder

	fmt.Fprintln(&b, "[Interface]")
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)

	linux := p.Platform == domain.PlatformLinux
	address := p.Address + "/32"
	if p.IPv6Address != "" && !linux {
		address += "," + p.IPv6Address + "/128"
	}
	fmt.Fprintf(&b, "Address = %s\n", address)

	switch p.Platform {
	case domain.PlatformLinux:
		if p.DNS != "" {
			fmt.Fprintf(&b, "PostUp = resolvectl dns %%i %s\n", p.DNS)
			fmt.Fprintln(&b, "PostDown = resolvectl revert %i")
		}
	default:
		if p.DNS != "" {
			fmt.Fprintf(&b, "DNS = %s\n", p.DNS)
		}
	}
	if p.MTU > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", p.MTU)
	}

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "[Peer]")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", p.ServerEndpoint)
	if linux {
		fmt.Fprintln(&b, "AllowedIPs = 0.0.0.0/0")
	} else {
		fmt.Fprintln(&b, "AllowedIPs = 0.0.0.0/0, ::/0")
	}
	if p.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
	}

	return b.String()
}

// QRDataURI encodes config as a PNG QR code and wraps it as a data URI
// ready for direct embedding in an HTML <img> tag.
func QRDataURI(config string) (string, error) {
	png, err := qrcode.Encode(config, qrcode.Medium, 320)
	if err != nil {
		return "", fmt.Errorf("artifact: encoding QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
