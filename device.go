package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDeviceIDMismatch 設定位址後讀回的 ID 不符
	ErrDeviceIDMismatch = errors.New("device id mismatch")

	// ErrInvalidDeviceID Slave ID 超出 1-247
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// Device 單一 Modbus 設備的共用讀寫邏輯
type Device struct {
	transport Transport
	id        byte
	out       io.Writer
	delay     time.Duration
	logger    *zap.Logger
}

// DeviceOption 設備配置選項
type DeviceOption func(*Device)

// WithOutput 設定輸出目標
func WithOutput(w io.Writer) DeviceOption {
	return func(d *Device) {
		d.out = w
	}
}

// WithDelay 設定每次請求前的等待時間
func WithDelay(delay time.Duration) DeviceOption {
	return func(d *Device) {
		d.delay = delay
	}
}

// WithDeviceLogger 設定日誌
func WithDeviceLogger(logger *zap.Logger) DeviceOption {
	return func(d *Device) {
		d.logger = logger
	}
}

// checkDeviceID 驗證 Slave ID，超出範圍時不得送上匯流排
func checkDeviceID(id int) error {
	if !validDeviceID(id) {
		return fmt.Errorf("%w: %d (範圍 %d-%d)", ErrInvalidDeviceID, id, MinDeviceID, MaxDeviceID)
	}
	return nil
}

func newDevice(transport Transport, id int, opts ...DeviceOption) Device {
	d := Device{
		transport: transport,
		id:        byte(id),
		delay:     200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&d)
	}
	if d.out == nil {
		d.out = io.Discard
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

// ID 目前使用的 Slave ID
func (d *Device) ID() int {
	return int(d.id)
}

// pause 請求之間的間隔，可被 ctx 中斷
func (d *Device) pause(ctx context.Context) error {
	return sleepCtx(ctx, d.delay)
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// readOne 讀取單一暫存器
func (d *Device) readOne(ctx context.Context, slave byte, address uint16) (uint16, error) {
	regs, err := d.transport.ReadHoldingRegisters(ctx, slave, address, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

// PrintRegisters 逐一讀取暫存器並輸出，單筆失敗不中斷
func (d *Device) PrintRegisters(ctx context.Context, table RegisterTable) error {
	for _, def := range table {
		if err := d.pause(ctx); err != nil {
			return err
		}

		line := readLine(def.Address, 2, def.Name)
		value, err := d.readOne(ctx, d.id, def.Address)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Debug("讀取暫存器失敗",
				zap.String("name", def.Name),
				zap.Uint16("address", def.Address),
				zap.Error(err),
			)
			line += renderError(err)
		} else {
			line += fmt.Sprintf("%6d", value)
		}
		fmt.Fprintln(d.out, line)
	}
	return nil
}

// WriteRegister 寫入暫存器後讀回並輸出；寫入失敗只輸出錯誤
func (d *Device) WriteRegister(ctx context.Context, address uint16, value int, name string) error {
	if err := d.pause(ctx); err != nil {
		return err
	}

	if _, err := d.transport.WriteSingleRegister(ctx, d.id, address, uint16(value&0xFFFF)); err != nil {
		fmt.Fprintln(d.out, renderError(err))
		return nil
	}

	if err := d.pause(ctx); err != nil {
		return err
	}

	line := readLine(address, 2, name)
	readBack, err := d.readOne(ctx, d.id, address)
	if err != nil {
		line += renderError(err)
	} else {
		line += fmt.Sprintf("%6d", readBack)
	}
	fmt.Fprintln(d.out, line)
	return nil
}

// SetAddress 變更設備 Slave ID；若設備已回報 newID 則不動作
func (d *Device) SetAddress(ctx context.Context, address uint16, newID int) error {
	const name = "DeviceAddress"

	if err := checkDeviceID(newID); err != nil {
		return err
	}

	current, err := d.readOne(ctx, d.id, address)
	if err != nil {
		return fmt.Errorf("讀取設備 %d 位址失敗: %w", d.id, err)
	}
	if int(current) == newID {
		d.logger.Info("設備 ID 已是目標值", zap.Int("device_id", newID))
		d.id = byte(newID)
		return nil
	}

	fmt.Fprintf(d.out, "Setting %s to %d -> %d\n", name, current, newID)
	if err := d.pause(ctx); err != nil {
		return err
	}

	written, err := d.transport.WriteSingleRegister(ctx, d.id, address, uint16(newID&0xFFFF))
	if err != nil {
		return fmt.Errorf("寫入設備 %d 位址失敗: %w", d.id, err)
	}
	fmt.Fprintf(d.out, "WriteSingleRegister address=0x%04X value=%d\n", address, written)

	if err := d.pause(ctx); err != nil {
		return err
	}

	line := readLine(address, 2, name)
	readBack, err := d.readOne(ctx, byte(newID), address)
	if err != nil {
		return fmt.Errorf("%s%v", line, err)
	}
	line += fmt.Sprintf("%6d", readBack)
	fmt.Fprintln(d.out, line)

	if int(readBack) != newID {
		return fmt.Errorf("%w: %s  讀回 %d，設定值 %d", ErrDeviceIDMismatch, line, readBack, newID)
	}

	d.logger.Info("設備 ID 已變更",
		zap.Uint8("from", d.id),
		zap.Int("to", newID),
	)
	d.id = byte(newID)
	return nil
}
