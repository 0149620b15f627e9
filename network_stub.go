//go:build !linux

package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// StubProvisioner 非 Linux 平台的 stub 配置器
type StubProvisioner struct {
	BaseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &StubProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Setup 設置主機位址 (stub)
func (p *StubProvisioner) Setup(ctx context.Context, ips []net.IP) error {
	if err := p.Validate(ips); err != nil {
		return err
	}

	p.Logger.Warn("主機位址配置僅在 Linux 上支援，使用模擬模式",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	// 只記錄位址，不實際配置
	for _, ip := range ips {
		p.remember(ip)
	}
	return nil
}

// Teardown 移除主機位址 (stub)
func (p *StubProvisioner) Teardown(ctx context.Context, ips []net.IP) error {
	ips = p.targets(ips)
	p.Logger.Warn("主機位址移除僅在 Linux 上支援，使用模擬模式",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	for _, ip := range ips {
		p.forget(ip)
	}
	return nil
}

// List 列出本機 IPv4 位址與模擬配置的位址 (stub)
func (p *StubProvisioner) List(ctx context.Context) ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("取得本地 IP 失敗: %w", err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP)
			}
		}
	}

	return append(ips, p.ConfiguredIPs...), nil
}
