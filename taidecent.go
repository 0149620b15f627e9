package main

import (
	"context"
	"fmt"
)

// Taidecent 溫濕度計 Slave ID
const (
	TaidecentDeviceIDFactory = 1
	TaidecentDeviceID        = 2
)

// Taidecent Taidecent RS-485 溫濕度計
type Taidecent struct {
	Device
}

// NewTaidecent 建立 Taidecent 設備
func NewTaidecent(transport Transport, id int, opts ...DeviceOption) (*Taidecent, error) {
	if err := checkDeviceID(id); err != nil {
		return nil, err
	}
	return &Taidecent{Device: newDevice(transport, id, opts...)}, nil
}

// Temperature 溫度讀值
type Temperature struct {
	Raw        uint16
	Celsius    float64
	Fahrenheit float64
}

// CelsiusFromRaw 原始值為攝氏 ×100 的有號 16 位元整數
func CelsiusFromRaw(raw uint16) float64 {
	return float64(int16(raw)) / 100
}

// CelsiusToFahrenheit 攝氏轉華氏
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// NewTemperature 由暫存器原始值建立溫度讀值
func NewTemperature(raw uint16) Temperature {
	c := CelsiusFromRaw(raw)
	return Temperature{Raw: raw, Celsius: c, Fahrenheit: CelsiusToFahrenheit(c)}
}

// String "<C>°C  <F>°F"
func (t Temperature) String() string {
	return fmt.Sprintf("%s°C  %4.2f°F", formatCelsius(t.Celsius), t.Fahrenheit)
}

// ReadRegisters 讀取並輸出全部暫存器
func (t *Taidecent) ReadRegisters(ctx context.Context) error {
	printHeading(t.out, "Taidecent Thermometer")

	for _, def := range TaidecentRegisters {
		if err := t.pause(ctx); err != nil {
			return err
		}

		line := readLine(def.Address, 2, def.Name)
		value, err := t.readOne(ctx, t.id, def.Address)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			line += renderError(err)
		case def.Name == "Temperature":
			line += fmt.Sprintf("%6d  %s", value, NewTemperature(value))
		default:
			line += fmt.Sprintf("%6d", value)
		}
		fmt.Fprintln(t.out, line)
	}
	return nil
}

// ReadTemperature 讀取溫度，fahrenheit 為 true 時返回華氏
func (t *Taidecent) ReadTemperature(ctx context.Context, fahrenheit, show bool) (float64, error) {
	def, _ := TaidecentRegisters.Lookup("Temperature")

	if err := t.pause(ctx); err != nil {
		return 0, err
	}
	raw, err := t.readOne(ctx, t.id, def.Address)
	if err != nil {
		return 0, fmt.Errorf("讀取溫度失敗: %w", err)
	}

	temp := NewTemperature(raw)
	if show {
		fmt.Fprintf(t.out, "%s  0x%04X  %6d  %s\n", readLine(def.Address, 2, def.Name), raw, raw, temp)
	}

	if fahrenheit {
		return temp.Fahrenheit, nil
	}
	return temp.Celsius, nil
}

// SetTempCorrection 設定溫度校正值 (以 16 位元二補數寫入)
func (t *Taidecent) SetTempCorrection(ctx context.Context, correction int) error {
	def, _ := TaidecentRegisters.Lookup("TempCorrection")

	if err := t.pause(ctx); err != nil {
		return err
	}
	current, err := t.readOne(ctx, t.id, def.Address)
	if err != nil {
		return fmt.Errorf("讀取溫度校正值失敗: %w", err)
	}

	value := uint16(correction & 0xFFFF)
	if value == current {
		return nil
	}

	fmt.Fprintf(t.out, "Setting %s\n", def.Name)
	if err := t.pause(ctx); err != nil {
		return err
	}
	written, err := t.transport.WriteSingleRegister(ctx, t.id, def.Address, value)
	if err != nil {
		return fmt.Errorf("寫入溫度校正值失敗: %w", err)
	}
	fmt.Fprintf(t.out, "WriteSingleRegister address=0x%04X value=%d\n", def.Address, written)

	if err := t.pause(ctx); err != nil {
		return err
	}
	line := readLine(def.Address, 2, def.Name)
	readBack, err := t.readOne(ctx, t.id, def.Address)
	if err != nil {
		line += renderError(err)
	} else {
		line += fmt.Sprintf("%6d", readBack)
	}
	fmt.Fprintln(t.out, line)
	return nil
}

// SetDeviceID 變更 Slave ID
func (t *Taidecent) SetDeviceID(ctx context.Context, newID int) error {
	def, _ := TaidecentRegisters.Lookup("DeviceAddress")
	return t.SetAddress(ctx, def.Address, newID)
}
