// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kadirpekel/strand/pkg/approval"
)

// Sandbox restricts where tool arguments may point. Path, URL and
// command checks key off the conventional argument names (path, url,
// command); tools with unconventional argument shapes validate inside
// their handlers.
type Sandbox struct {
	// AllowedDirs are filesystem roots path arguments must resolve
	// under. Empty means no filesystem access at all.
	AllowedDirs []string `yaml:"allowed_dirs" json:"allowed_dirs"`
	// BlockedPatterns are regexes rejected even inside allowed roots.
	BlockedPatterns []string `yaml:"blocked_patterns" json:"blocked_patterns"`

	// AllowedHosts restricts egress when non-empty. A leading dot
	// matches subdomains ( ".example.com" allows api.example.com ).
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`
	// BlockedCIDRs are egress IP ranges always refused. Loopback,
	// link-local and RFC1918 ranges are blocked unless this is set
	// explicitly.
	BlockedCIDRs []string `yaml:"blocked_cidrs" json:"blocked_cidrs"`

	// AllowedCommands switches the command sanitizer to allowlist
	// mode: the top-level binary must be one of these.
	AllowedCommands []string `yaml:"allowed_commands" json:"allowed_commands"`
	// BlockedCommands are regexes over the whole command line,
	// consulted when AllowedCommands is empty.
	BlockedCommands []string `yaml:"blocked_commands" json:"blocked_commands"`

	// LookupIP overrides DNS resolution, used by tests.
	LookupIP func(host string) ([]net.IP, error) `yaml:"-" json:"-"`
}

var defaultBlockedCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
}

// CheckPath verifies a filesystem path resolves under an allowed root
// after cleaning, and matches no blocked pattern.
func (s *Sandbox) CheckPath(path string) error {
	if len(s.AllowedDirs) == 0 {
		return fmt.Errorf("filesystem access is not permitted")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	// Resolve symlinks on the longest existing prefix so a link cannot
	// escape the root. The file itself may not exist yet (writes).
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}

	for _, pattern := range s.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid blocked pattern %q: %w", pattern, err)
		}
		if re.MatchString(abs) {
			return fmt.Errorf("path matches blocked pattern: %s", pattern)
		}
	}

	for _, root := range s.AllowedDirs {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(rootAbs); err == nil {
			rootAbs = resolved
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path outside allowed directories: %s", path)
}

// CheckURL verifies the host is permitted and resolves to no blocked
// address.
func (s *Sandbox) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}

	if len(s.AllowedHosts) > 0 && !s.hostAllowed(host) {
		return fmt.Errorf("host not in allowed list: %s", host)
	}

	ips, err := s.resolve(host)
	if err != nil {
		return fmt.Errorf("resolving host %s: %w", host, err)
	}
	blocked := s.BlockedCIDRs
	if len(blocked) == 0 {
		blocked = defaultBlockedCIDRs
	}
	for _, cidr := range blocked {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("invalid blocked cidr %q: %w", cidr, err)
		}
		for _, ip := range ips {
			if network.Contains(ip) {
				return fmt.Errorf("host %s resolves into blocked range %s", host, cidr)
			}
		}
	}
	return nil
}

func (s *Sandbox) hostAllowed(host string) bool {
	for _, allowed := range s.AllowedHosts {
		if strings.HasPrefix(allowed, ".") {
			if strings.HasSuffix(host, allowed) || host == strings.TrimPrefix(allowed, ".") {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

func (s *Sandbox) resolve(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if s.LookupIP != nil {
		return s.LookupIP(host)
	}
	return net.LookupIP(host)
}

// CheckCommand sanitizes a shell command line. Allowlist mode when
// AllowedCommands is set, blocklist mode otherwise.
func (s *Sandbox) CheckCommand(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("empty command")
	}

	if len(s.AllowedCommands) > 0 {
		binary := filepath.Base(fields[0])
		for _, allowed := range s.AllowedCommands {
			if binary == allowed {
				return nil
			}
		}
		return fmt.Errorf("command not in allowed list: %s", binary)
	}

	for _, pattern := range s.BlockedCommands {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid blocked command pattern %q: %w", pattern, err)
		}
		if re.MatchString(command) {
			return fmt.Errorf("command matches blocked pattern: %s", pattern)
		}
	}
	return nil
}

// Permission is the per-agent policy profile consulted before any
// sandbox checks.
type Permission struct {
	MaxRisk            RiskLevel    `yaml:"max_risk" json:"max_risk"`
	BlockedSideEffects []SideEffect `yaml:"blocked_side_effects" json:"blocked_side_effects"`

	// ApprovalThreshold gates calls at or above this risk behind an
	// approval. Empty disables risk-based approvals.
	ApprovalThreshold RiskLevel    `yaml:"approval_threshold" json:"approval_threshold"`
	RequiresApproval  []SideEffect `yaml:"requires_approval" json:"requires_approval"`

	Approvers       []string        `yaml:"approvers" json:"approvers"`
	ApprovalPolicy  approval.Policy `yaml:"approval_policy" json:"approval_policy"`
	ApprovalTimeout time.Duration   `yaml:"approval_timeout" json:"approval_timeout"`
	EscalateTo      []string        `yaml:"escalate_to" json:"escalate_to"`
}

// Allows reports whether the profile admits a tool at all.
func (p *Permission) Allows(profile Profile) error {
	maxRisk := p.MaxRisk
	if maxRisk == "" {
		maxRisk = RiskCritical
	}
	if profile.Risk.Rank() > maxRisk.Rank() {
		return fmt.Errorf("risk %s exceeds profile maximum %s", profile.Risk, maxRisk)
	}
	for _, blocked := range p.BlockedSideEffects {
		for _, effect := range profile.SideEffects {
			if effect == blocked {
				return fmt.Errorf("side effect %s is blocked", effect)
			}
		}
	}
	return nil
}

// NeedsApproval reports whether the call must pass the approval gate.
func (p *Permission) NeedsApproval(profile Profile) bool {
	if p.ApprovalThreshold != "" && profile.Risk.Rank() >= p.ApprovalThreshold.Rank() {
		return true
	}
	for _, required := range p.RequiresApproval {
		for _, effect := range profile.SideEffects {
			if effect == required {
				return true
			}
		}
	}
	return false
}
