//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinuxProvisioner Linux 網路配置器
type LinuxProvisioner struct {
	BaseProvisioner
	link netlink.Link
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &LinuxProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

func (p *LinuxProvisioner) resolveLink() (netlink.Link, error) {
	if p.link != nil {
		return p.link, nil
	}
	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}
	p.link = link
	return link, nil
}

// Setup 設置主機位址 (使用 netlink)
func (p *LinuxProvisioner) Setup(ctx context.Context, ips []net.IP) error {
	if err := p.Validate(ips); err != nil {
		return err
	}

	link, err := p.resolveLink()
	if err != nil {
		return err
	}

	p.Logger.Info("正在設置主機位址",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	var failed []string
	for _, ip := range ips {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: hostNet(ip)}); err != nil {
			if errors.Is(err, syscall.EEXIST) {
				p.Logger.Debug("IP 已存在", zap.String("ip", ip.String()))
				p.remember(ip)
				continue
			}
			p.Logger.Warn("添加 IP 失敗",
				zap.String("ip", ip.String()),
				zap.Error(err),
			)
			failed = append(failed, ip.String())
			continue
		}

		p.remember(ip)
		p.Logger.Debug("已添加 IP", zap.String("ip", ip.String()))
	}

	if len(failed) > 0 {
		return fmt.Errorf("無法添加位址 %v 至 %s", failed, p.InterfaceName)
	}
	return nil
}

// Teardown 移除主機位址
func (p *LinuxProvisioner) Teardown(ctx context.Context, ips []net.IP) error {
	ips = p.targets(ips)
	if len(ips) == 0 {
		return nil
	}

	link, err := p.resolveLink()
	if err != nil {
		return err
	}

	p.Logger.Info("正在移除主機位址",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	removed := 0
	for _, ip := range ips {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := netlink.AddrDel(link, &netlink.Addr{IPNet: hostNet(ip)}); err != nil {
			p.Logger.Warn("移除 IP 失敗",
				zap.String("ip", ip.String()),
				zap.Error(err),
			)
			continue
		}

		removed++
		p.forget(ip)
		p.Logger.Debug("已移除 IP", zap.String("ip", ip.String()))
	}

	p.Logger.Info("主機位址移除完成", zap.Int("removed", removed))
	return nil
}

// List 列出介面上的 IPv4 位址
func (p *LinuxProvisioner) List(ctx context.Context) ([]net.IP, error) {
	link, err := p.resolveLink()
	if err != nil {
		return nil, err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}
