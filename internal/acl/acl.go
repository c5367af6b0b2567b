// Package acl enforces the derived packet-filter plane: one-time global
// iptables invariants (forwarding hooks, NAT, MSS clamp, DNS hijack) plus
// per-peer access-control profiles applied against a dedicated chain.
//
// Grounded on original_source/app/firewall.py (VPN_ACL chain, per-IP
// apply/remove, private-network list) and the NAT/MSS/DNS block of
// original_source/self_heal.py (PostUp/PostDown invariants), using
// github.com/coreos/go-iptables in place of raw subprocess calls so every
// rule change is idempotent through the library's Exists/AppendUnique
// primitives instead of firewall.py's brute-force delete-both-directions
// approach.
package acl

import (
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	"vpnctl/internal/domain"
)

// aclChain is the dedicated chain hooked into FORWARD, isolating per-peer
// rules from the host's other firewall configuration.
const aclChain = "VPNCTL_ACL"

// privateNetworks are the RFC 1918 ranges an intranet-only profile may
// reach and an internet-only profile may not.
var privateNetworks = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// knownDoHResolvers are well-known public DNS-over-HTTPS endpoints.
// Rejecting HTTPS to them on the tunnel interface forces clients back onto
// the hijacked plain DNS path instead of bypassing it over 443.
var knownDoHResolvers = []string{
	"1.1.1.1",         // Cloudflare
	"1.0.0.1",         // Cloudflare
	"8.8.8.8",         // Google
	"8.8.4.4",         // Google
	"9.9.9.9",         // Quad9
	"149.112.112.112", // Quad9
}

// Enforcer applies ACL profiles and the tunnel's global firewall
// invariants against the live iptables ruleset.
type Enforcer struct {
	ipt         *iptables.IPTables
	ip6t        *iptables.IPTables
	iface       string
	egressIface string
	subnetCIDR  string
	listenPort  string
	serverIP    string
}

// Config carries the parameters needed to compute the global invariants:
// the tunnel interface, the physical egress interface packets should be
// masqueraded through, the tunnel subnet, the WireGuard listen port, and
// the server's own tunnel address (the .1 host Apply must always let
// internet-only peers reach, even though it lies inside the RFC 1918
// ranges those peers are otherwise dropped from).
type Config struct {
	Interface   string
	EgressIface string
	SubnetCIDR  string
	ListenPort  string
	ServerIP    string
}

// New constructs an Enforcer backed by real iptables/ip6tables binaries.
func New(cfg Config) (*Enforcer, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("acl: initializing iptables: %w", err)
	}
	ip6t, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return nil, fmt.Errorf("acl: initializing ip6tables: %w", err)
	}
	return &Enforcer{
		ipt:         ipt,
		ip6t:        ip6t,
		iface:       cfg.Interface,
		egressIface: cfg.EgressIface,
		subnetCIDR:  cfg.SubnetCIDR,
		listenPort:  cfg.ListenPort,
		serverIP:    cfg.ServerIP,
	}, nil
}

// EnsureGlobalInvariants installs the chain hook, NAT masquerade, MSS
// clamp, and DNS hijack/lockdown rules. Idempotent — safe to call on every
// startup and every reconciler pass.
func (e *Enforcer) EnsureGlobalInvariants(serverIP string) error {
	if err := e.ipt.NewChain("filter", aclChain); err != nil && !alreadyExists(err) {
		return fmt.Errorf("acl: creating chain: %w", err)
	}
	if err := e.ipt.AppendUnique("filter", "FORWARD", "-j", aclChain); err != nil {
		return fmt.Errorf("acl: hooking chain into FORWARD: %w", err)
	}

	if err := e.ipt.AppendUnique("filter", "INPUT", "-p", "udp", "--dport", e.listenPort,
		"-m", "comment", "--comment", "vpnctl handshake", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("acl: allowing handshake port: %w", err)
	}
	if err := e.ipt.AppendUnique("filter", "FORWARD", "-i", e.iface, "-o", e.egressIface, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("acl: allowing egress forward: %w", err)
	}
	if err := e.ipt.AppendUnique("filter", "FORWARD", "-i", e.egressIface, "-o", e.iface,
		"-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("acl: allowing established return traffic: %w", err)
	}
	if err := e.ipt.AppendUnique("nat", "POSTROUTING", "-s", e.subnetCIDR, "-o", e.egressIface, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("acl: installing masquerade: %w", err)
	}
	if err := e.ipt.AppendUnique("mangle", "FORWARD", "-p", "tcp", "--tcp-flags", "SYN,RST", "SYN",
		"-j", "TCPMSS", "--clamp-mss-to-pmtu"); err != nil {
		return fmt.Errorf("acl: installing MSS clamp: %w", err)
	}

	for _, proto := range []string{"udp", "tcp"} {
		if err := e.ipt.AppendUnique("nat", "PREROUTING", "-i", e.iface, "-p", proto, "--dport", "53",
			"-j", "DNAT", "--to-destination", serverIP+":53"); err != nil {
			return fmt.Errorf("acl: installing DNS hijack (%s): %w", proto, err)
		}
	}
	if err := e.ipt.AppendUnique("filter", aclChain, "-i", e.iface, "-p", "tcp", "--dport", "853", "-j", "REJECT"); err != nil {
		return fmt.Errorf("acl: blocking DNS-over-TLS: %w", err)
	}
	for _, proto := range []string{"udp", "tcp"} {
		if err := e.ipt.AppendUnique("filter", aclChain, "-i", e.iface, "-p", proto, "--dport", "53", "-j", "REJECT"); err != nil {
			return fmt.Errorf("acl: rejecting escaped DNS (%s): %w", proto, err)
		}
	}
	for _, dohIP := range knownDoHResolvers {
		if err := e.ipt.AppendUnique("filter", aclChain, "-i", e.iface, "-p", "tcp", "-d", dohIP, "--dport", "443", "-j", "REJECT"); err != nil {
			return fmt.Errorf("acl: rejecting DoH resolver %s: %w", dohIP, err)
		}
	}
	for _, proto := range []string{"udp", "tcp"} {
		if err := e.ip6t.AppendUnique("filter", "FORWARD", "-i", e.iface, "-p", proto, "--dport", "53", "-j", "DROP"); err != nil {
			return fmt.Errorf("acl: blocking IPv6 DNS (%s): %w", proto, err)
		}
	}
	return nil
}

// Apply installs the rules for profile against peerIP in aclChain. Clears
// any prior rules for the same address first so re-applying after a
// profile change never leaves stale, conflicting rules behind.
func (e *Enforcer) Apply(peerIP string, profile domain.ACLProfile) error {
	rules, err := rulesForProfile(peerIP, e.serverIP, profile)
	if err != nil {
		return err
	}
	if err := e.Remove(peerIP); err != nil {
		return err
	}
	for _, rule := range rules {
		if err := e.appendRule(rule...); err != nil {
			return err
		}
	}
	return nil
}

// rulesForProfile computes the ordered rulespecs Apply installs for profile
// against peerIP, given the tunnel's own address serverIP. Kept free of any
// iptables calls so the per-profile rule shapes are unit-testable without a
// kernel.
//
// internet-only must accept peerIP's traffic to serverIP before the RFC
// 1918 drops: the server's tunnel address lives inside 10.0.0.0/8, so
// without this rule ahead of the private-range drops, internet-only peers
// would lose their own DNS resolver and the control plane itself.
func rulesForProfile(peerIP, serverIP string, profile domain.ACLProfile) ([][]string, error) {
	if !domain.ValidACLProfile(string(profile)) {
		return nil, fmt.Errorf("acl: %q: %w", profile, domain.ErrValidation)
	}

	switch profile {
	case domain.ProfileFull:
		return [][]string{
			{"-s", peerIP, "-j", "ACCEPT"},
		}, nil

	case domain.ProfileInternetOnly:
		rules := [][]string{
			{"-s", peerIP, "-d", serverIP, "-j", "ACCEPT"},
		}
		for _, net := range privateNetworks {
			rules = append(rules, []string{"-s", peerIP, "-d", net, "-j", "DROP"})
		}
		rules = append(rules, []string{"-s", peerIP, "-j", "ACCEPT"})
		return rules, nil

	case domain.ProfileIntranetOnly:
		rules := make([][]string, 0, len(privateNetworks)+1)
		for _, net := range privateNetworks {
			rules = append(rules, []string{"-s", peerIP, "-d", net, "-j", "ACCEPT"})
		}
		rules = append(rules, []string{"-s", peerIP, "-j", "DROP"})
		return rules, nil

	default:
		return nil, fmt.Errorf("acl: unhandled profile %q: %w", profile, domain.ErrValidation)
	}
}

func (e *Enforcer) appendRule(rulespec ...string) error {
	args := append([]string{"-A", aclChain}, rulespec...)
	if err := e.ipt.AppendUnique("filter", aclChain, rulespec...); err != nil {
		return fmt.Errorf("acl: applying rule %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

// Remove deletes every rule this package might have installed for peerIP,
// across all three profiles. Tolerates rules that were never installed.
func (e *Enforcer) Remove(peerIP string) error {
	candidates := [][]string{
		{"-s", peerIP, "-j", "ACCEPT"},
		{"-s", peerIP, "-j", "DROP"},
	}
	if e.serverIP != "" {
		candidates = append(candidates, []string{"-s", peerIP, "-d", e.serverIP, "-j", "ACCEPT"})
	}
	for _, net := range privateNetworks {
		candidates = append(candidates,
			[]string{"-s", peerIP, "-d", net, "-j", "DROP"},
			[]string{"-s", peerIP, "-d", net, "-j", "ACCEPT"},
		)
	}
	for _, rule := range candidates {
		exists, err := e.ipt.Exists("filter", aclChain, rule...)
		if err != nil {
			return fmt.Errorf("acl: checking rule existence: %w", err)
		}
		if !exists {
			continue
		}
		if err := e.ipt.Delete("filter", aclChain, rule...); err != nil {
			return fmt.Errorf("acl: deleting rule %s: %w", strings.Join(rule, " "), err)
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "chain already exists")
}
