// Package config loads the options recognized by ddhcpd (spec §6.3),
// layering flag > environment > built-in default exactly as
// bg/cl-reg/main.go layers cobra flags over envcfg-unmarshaled
// environment variables.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tomazk/envcfg"
)

// Environ holds the environment-variable overrides recognized
// alongside the command-line flags, unmarshaled via envcfg the same
// way bg/cl-reg/main.go's environ struct is.
type Environ struct {
	Prefix       string `envcfg:"DDHCPD_PREFIX"`
	BlockSize    string `envcfg:"DDHCPD_BLOCKSIZE"`
	Blocked      string `envcfg:"DDHCPD_BLOCKED"`
	BlockTimeout string `envcfg:"DDHCPD_BLOCKTIMEOUT"`
	Tentative    string `envcfg:"DDHCPD_TENTATIVETIMEOUT"`
	ClaimInt     string `envcfg:"DDHCPD_CLAIMINTERVAL"`
	Spares       string `envcfg:"DDHCPD_SPARES"`
	LeaseTime    string `envcfg:"DDHCPD_LEASETIME"`
	Routers      string `envcfg:"DDHCPD_ROUTERS"`
	DNS          string `envcfg:"DDHCPD_DNS"`
	PrefixLen    string `envcfg:"DDHCPD_PREFIXLEN"`
	Group        string `envcfg:"DDHCPD_GROUP"`
	Port         string `envcfg:"DDHCPD_PORT"`
	Iface        string `envcfg:"DDHCPD_IFACE"`
	ClientIface  string `envcfg:"DDHCPD_CLIENT_IFACE"`
	ServerIP     string `envcfg:"DDHCPD_SERVER_IP"`
	MetricsAddr  string `envcfg:"DDHCPD_METRICS_ADDR"`
}

// Config is the fully resolved, typed configuration consumed by
// ddhcp_common/block, ddhcp_common/peer and ddhcp_common/alloc.
type Config struct {
	Pool      *net.IPNet
	BlockSize int
	Blocked   []int

	BlockTimeout     time.Duration
	TentativeTimeout time.Duration
	ClaimInterval    time.Duration
	Spares           int
	LeaseTime        time.Duration
	Routers          []net.IP
	DNS              []net.IP
	PrefixLen        uint8

	// LeaseNetworkAndBroadcast controls whether a block's subnet
	// network/broadcast addresses are leasable hosts (spec §9 Open
	// Question 3); defaults to true, matching the source.
	LeaseNetworkAndBroadcast bool

	MulticastGroup net.IP
	MulticastPort  int
	Iface          string
	ClientIface    string
	ServerIP       net.IP
	MetricsAddr    string
}

// first returns the first non-empty option, the precedence helper used
// by bg/cl-reg/main.go (flag value, then environment value, then
// built-in default).
func first(opts ...string) string {
	for _, opt := range opts {
		if opt != "" {
			return opt
		}
	}
	return ""
}

// BindFlags registers every recognized flag (spec §6.3) on fs with its
// built-in default, for RootCmd to call during construction.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("prefix", "", "IPv4 CIDR address pool")
	fs.Int("blocksize", 32, "addresses per block (power of two)")
	fs.String("blocked", "", "comma-separated block indices administratively excluded")
	fs.Duration("blocktimeout", 60*time.Second, "seconds an UpdateClaim is valid")
	fs.Duration("tentativetimeout", 10*time.Second, "seconds a FREE block stays TENTATIVE after an Inquire")
	fs.Duration("claiminterval", 15*time.Second, "period of the periodic claim-refresh task")
	fs.Int("spares", 4, "target number of free addresses to keep across OURS blocks")
	fs.Duration("leasetime", 10*time.Minute, "client-visible lease duration")
	fs.String("routers", "", "comma-separated router IPs handed to clients")
	fs.String("dns", "", "comma-separated DNS server IPs handed to clients")
	fs.Int("prefixlen", 24, "prefix length handed to clients")
	fs.Bool("lease-network-and-broadcast", true, "treat a block subnet's network/broadcast addresses as leasable")
	fs.String("group", "ff05::dd4c", "IPv6 multicast group address")
	fs.Int("port", 11583, "UDP port for the inter-peer multicast channel")
	fs.String("iface", "", "interface to join the multicast group on")
	fs.String("client-iface", "", "interface to serve DHCP clients on")
	fs.String("server-ip", "", "this server's IPv4 address, for DHCP option 54")
	fs.String("metrics-addr", ":9153", "address to serve Prometheus metrics on")
}

func parseIPList(s string) ([]net.IP, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ips := make([]net.IP, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		ip := net.ParseIP(p)
		if ip == nil {
			return nil, fmt.Errorf("config: invalid IP %q", p)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

func parseIntList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("config: invalid block index %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

// Load resolves Config from fs (already parsed) layered over env
// (already envcfg.Unmarshal'd by the caller), flag values taking
// precedence, then environment, then the flag's own built-in default.
func Load(fs *pflag.FlagSet, env Environ) (*Config, error) {
	flagStr := func(name string) string {
		v, _ := fs.GetString(name)
		return v
	}

	prefix := first(flagStr("prefix"), env.Prefix)
	if prefix == "" {
		return nil, fmt.Errorf("config: prefix is required")
	}
	_, pool, err := net.ParseCIDR(prefix)
	if err != nil {
		return nil, fmt.Errorf("config: invalid prefix %q: %w", prefix, err)
	}

	blockSize, _ := fs.GetInt("blocksize")
	if !fs.Changed("blocksize") && env.BlockSize != "" {
		if v, err := strconv.Atoi(env.BlockSize); err == nil {
			blockSize = v
		}
	}

	blocked, err := parseIntList(first(flagStr("blocked"), env.Blocked))
	if err != nil {
		return nil, err
	}

	blockTimeout, _ := fs.GetDuration("blocktimeout")
	if !fs.Changed("blocktimeout") && env.BlockTimeout != "" {
		if d, err := time.ParseDuration(env.BlockTimeout); err == nil {
			blockTimeout = d
		}
	}
	tentativeTimeout, _ := fs.GetDuration("tentativetimeout")
	if !fs.Changed("tentativetimeout") && env.Tentative != "" {
		if d, err := time.ParseDuration(env.Tentative); err == nil {
			tentativeTimeout = d
		}
	}
	claimInterval, _ := fs.GetDuration("claiminterval")
	if !fs.Changed("claiminterval") && env.ClaimInt != "" {
		if d, err := time.ParseDuration(env.ClaimInt); err == nil {
			claimInterval = d
		}
	}
	spares, _ := fs.GetInt("spares")
	if !fs.Changed("spares") && env.Spares != "" {
		if v, err := strconv.Atoi(env.Spares); err == nil {
			spares = v
		}
	}
	leaseTime, _ := fs.GetDuration("leasetime")
	if !fs.Changed("leasetime") && env.LeaseTime != "" {
		if d, err := time.ParseDuration(env.LeaseTime); err == nil {
			leaseTime = d
		}
	}

	routers, err := parseIPList(first(flagStr("routers"), env.Routers))
	if err != nil {
		return nil, err
	}
	dns, err := parseIPList(first(flagStr("dns"), env.DNS))
	if err != nil {
		return nil, err
	}

	prefixLen, _ := fs.GetInt("prefixlen")
	if !fs.Changed("prefixlen") && env.PrefixLen != "" {
		if v, err := strconv.Atoi(env.PrefixLen); err == nil {
			prefixLen = v
		}
	}

	leaseBoth, _ := fs.GetBool("lease-network-and-broadcast")

	groupStr := flagStr("group")
	if !fs.Changed("group") && env.Group != "" {
		groupStr = env.Group
	}
	group := net.ParseIP(groupStr)
	if group == nil {
		return nil, fmt.Errorf("config: invalid multicast group %q", groupStr)
	}

	port, _ := fs.GetInt("port")
	if !fs.Changed("port") && env.Port != "" {
		if v, err := strconv.Atoi(env.Port); err == nil {
			port = v
		}
	}

	metricsAddr := flagStr("metrics-addr")
	if !fs.Changed("metrics-addr") && env.MetricsAddr != "" {
		metricsAddr = env.MetricsAddr
	}

	var serverIP net.IP
	if s := first(flagStr("server-ip"), env.ServerIP); s != "" {
		serverIP = net.ParseIP(s)
		if serverIP == nil {
			return nil, fmt.Errorf("config: invalid server-ip %q", s)
		}
	}

	return &Config{
		Pool:                     pool,
		BlockSize:                blockSize,
		Blocked:                  blocked,
		BlockTimeout:             blockTimeout,
		TentativeTimeout:         tentativeTimeout,
		ClaimInterval:            claimInterval,
		Spares:                   spares,
		LeaseTime:                leaseTime,
		Routers:                  routers,
		DNS:                      dns,
		PrefixLen:                uint8(prefixLen),
		LeaseNetworkAndBroadcast: leaseBoth,
		MulticastGroup:           group,
		MulticastPort:            port,
		Iface:                    first(flagStr("iface"), env.Iface),
		ClientIface:              first(flagStr("client-iface"), env.ClientIface),
		ServerIP:                 serverIP,
		MetricsAddr:              metricsAddr,
	}, nil
}

// UnmarshalEnviron is a thin wrapper over envcfg.Unmarshal, kept so
// callers depend on this package rather than envcfg directly.
func UnmarshalEnviron() (Environ, error) {
	var e Environ
	err := envcfg.Unmarshal(&e)
	return e, err
}
