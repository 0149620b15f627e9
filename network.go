package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// NetworkProvisioner 模擬器主機位址配置器介面
type NetworkProvisioner interface {
	// Setup 在介面上加入 /32 主機位址
	Setup(ctx context.Context, ips []net.IP) error

	// Teardown 移除主機位址
	Teardown(ctx context.Context, ips []net.IP) error

	// List 列出介面上的 IPv4 位址
	List(ctx context.Context) ([]net.IP, error)

	// Validate 驗證位址
	Validate(ips []net.IP) error
}

// NewNetworkProvisioner 建立網路配置器
func NewNetworkProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return newPlatformProvisioner(interfaceName, logger)
}

// BaseProvisioner 基礎配置器 (共用邏輯)
type BaseProvisioner struct {
	InterfaceName string
	Logger        *zap.Logger
	ConfiguredIPs []net.IP
}

// Validate 驗證位址皆為可指派的 IPv4 主機位址
func (p *BaseProvisioner) Validate(ips []net.IP) error {
	if len(ips) == 0 {
		return fmt.Errorf("未指定 IP 位址")
	}
	for _, ip := range ips {
		if ip.To4() == nil {
			return fmt.Errorf("僅支援 IPv4 位址: %s", ip)
		}
		if ip.IsUnspecified() || ip.IsMulticast() || ip.Equal(net.IPv4bcast) {
			return fmt.Errorf("無法指派的位址: %s", ip)
		}
	}
	return nil
}

// ParseHostIPs 解析主機位址清單
func ParseHostIPs(values []string) ([]net.IP, error) {
	ips := make([]net.IP, 0, len(values))
	for _, v := range values {
		ip := net.ParseIP(v)
		if ip == nil {
			return nil, fmt.Errorf("無效的 IP 位址: %q", v)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// hostNet 主機位址的 /32 網段
func hostNet(ip net.IP) *net.IPNet {
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)}
}

func (p *BaseProvisioner) remember(ip net.IP) {
	for _, known := range p.ConfiguredIPs {
		if known.Equal(ip) {
			return
		}
	}
	p.ConfiguredIPs = append(p.ConfiguredIPs, ip)
}

func (p *BaseProvisioner) forget(ip net.IP) {
	kept := p.ConfiguredIPs[:0]
	for _, known := range p.ConfiguredIPs {
		if !known.Equal(ip) {
			kept = append(kept, known)
		}
	}
	p.ConfiguredIPs = kept
}

// targets 未指定位址時回到先前 Setup 的位址
func (p *BaseProvisioner) targets(ips []net.IP) []net.IP {
	if len(ips) > 0 {
		return ips
	}
	return append([]net.IP(nil), p.ConfiguredIPs...)
}
