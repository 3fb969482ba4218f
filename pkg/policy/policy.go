/*
Copyright 2026 The CFEngine authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package policy holds the trust ("trust-keys-from") and access-control
// rules consulted during identity exchange and per-request dispatch,
// plus the on-disk keyring. Readers observe a consistent snapshot via
// copy-on-reload.
package policy

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/cfengine/corenet/pkg/corenet"
)

// AccessRule whitelists a path or identifier for a set of peers.
type AccessRule struct {
	Path        string   `yaml:"path"`
	Fingerprints []string `yaml:"fingerprints"`
	Addresses   []string `yaml:"addresses"`
	Hostnames   []string `yaml:"hostnames"`
}

// Document is the on-disk policy file shape.
type Document struct {
	TrustKeysFrom []string     `yaml:"trust_keys_from"`
	Access        []AccessRule `yaml:"access"`
	LegacyEnabled bool         `yaml:"legacy_enabled"`
}

// Policy is an immutable, loaded snapshot of a Document plus parsed CIDRs.
type Policy struct {
	doc      Document
	trustNets []*net.IPNet
}

func compile(doc Document) (*Policy, error) {
	p := &Policy{doc: doc}
	for _, cidr := range doc.TrustKeysFrom {
		_, n, err := parseCIDROrIP(cidr)
		if err != nil {
			return nil, corenet.Wrap(corenet.KindPolicy, fmt.Sprintf("invalid trust-keys-from entry %q", cidr), err)
		}
		p.trustNets = append(p.trustNets, n)
	}
	return p, nil
}

func parseCIDROrIP(s string) (net.IP, *net.IPNet, error) {
	if strings.Contains(s, "/") {
		ip, n, err := net.ParseCIDR(s)
		return ip, n, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, nil, fmt.Errorf("not an IP or CIDR: %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return ip, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// TrustsAddress reports whether addr matches any trust-keys-from rule.
// addr may be a bare IP or a "host:port" remote address.
func (p *Policy) TrustsAddress(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range p.trustNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// LegacyEnabled reports whether the legacy (v1) session is enabled for
// this listener; disabled by default.
func (p *Policy) LegacyEnabled() bool { return p.doc.LegacyEnabled }

// Allows implements per-request access control: path rules match by
// longest prefix, identifier rules match exactly. A peer is granted
// access to resource if the single longest-matching path rule (or any
// matching exact-identifier rule) names it by fingerprint, address, or
// hostname.
func (p *Policy) Allows(resource, fingerprint, address, hostname string) bool {
	bestLen := -1
	var bestRule *AccessRule
	for i := range p.doc.Access {
		rule := &p.doc.Access[i]
		matched, isPathRule := matchResource(rule.Path, resource)
		if !matched {
			continue
		}
		if !isPathRule {
			// Exact-identifier rules live outside the path-prefix
			// competition: any one of them naming the peer grants.
			if ruleNamesPeer(*rule, fingerprint, address, hostname) {
				return true
			}
			continue
		}
		if len(rule.Path) > bestLen {
			bestLen = len(rule.Path)
			bestRule = rule
		}
	}
	if bestRule == nil {
		return false
	}
	return ruleNamesPeer(*bestRule, fingerprint, address, hostname)
}

func matchResource(rulePath, resource string) (matched bool, isPath bool) {
	if strings.HasPrefix(rulePath, "/") {
		return strings.HasPrefix(resource, rulePath), true
	}
	return rulePath == resource, false
}

func ruleNamesPeer(rule AccessRule, fingerprint, address, hostname string) bool {
	for _, fp := range rule.Fingerprints {
		if fp == fingerprint {
			return true
		}
	}
	for _, a := range rule.Addresses {
		if a == address {
			return true
		}
	}
	for _, h := range rule.Hostnames {
		if h == hostname {
			return true
		}
	}
	return false
}

// Store holds the currently active Policy behind an atomic pointer so
// readers never observe a half-reloaded document.
type Store struct {
	path    string
	current atomic.Pointer[Policy]
}

// Load reads and compiles the policy document at path, creating the Store.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the policy file and atomically swaps it in. Existing
// holders of the previous snapshot (via Current) are unaffected.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return corenet.Wrap(corenet.KindPolicy, "read policy file", err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return corenet.Wrap(corenet.KindPolicy, "parse policy file", err)
	}
	p, err := compile(doc)
	if err != nil {
		return err
	}
	s.current.Store(p)
	return nil
}

// Current returns the active policy snapshot.
func (s *Store) Current() *Policy { return s.current.Load() }

// Keyring manages on-disk public-key files, named
// "<user>-<fingerprint-ascii>.pub".
type Keyring struct {
	dir string
}

// NewKeyring wraps dir, the keyring directory.
func NewKeyring(dir string) *Keyring { return &Keyring{dir: dir} }

func keyringFileName(user, fingerprintHex string) string {
	return fmt.Sprintf("%s-%s.pub", user, fingerprintHex)
}

// Install writes raw key material for (user, fingerprintHex) into the
// keyring, as happens on a TOFU accept.
func (k *Keyring) Install(user, fingerprintHex string, raw []byte) error {
	if err := os.MkdirAll(k.dir, 0o755); err != nil {
		return corenet.Wrap(corenet.KindStorage, "create keyring dir", err)
	}
	path := filepath.Join(k.dir, keyringFileName(user, fingerprintHex))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return corenet.Wrap(corenet.KindStorage, "write keyring file", err)
	}
	return nil
}

// Remove deletes every file matching "*-<fingerprintHex>.pub".
func (k *Keyring) Remove(fingerprintHex string) error {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return corenet.Wrap(corenet.KindStorage, "read keyring dir", err)
	}
	suffix := "-" + fingerprintHex + ".pub"
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			if err := os.Remove(filepath.Join(k.dir, e.Name())); err != nil {
				return corenet.Wrap(corenet.KindStorage, "remove keyring file", err)
			}
		}
	}
	return nil
}

// Load reads raw key material for (user, fingerprintHex), if present.
func (k *Keyring) Load(user, fingerprintHex string) ([]byte, bool, error) {
	path := filepath.Join(k.dir, keyringFileName(user, fingerprintHex))
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, corenet.Wrap(corenet.KindStorage, "read keyring file", err)
	}
	return raw, true, nil
}
