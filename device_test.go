package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport 以記憶體模擬匯流排上的設備
type fakeTransport struct {
	mu sync.Mutex

	registers map[byte]map[uint16]uint16
	coils     map[byte][]bool

	readErrs  map[uint16]error
	writeErrs map[uint16]error

	registerWrites []fakeWrite
	coilWrites     []fakeWrite
}

type fakeWrite struct {
	slave   byte
	address uint16
	value   uint16
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		registers: make(map[byte]map[uint16]uint16),
		coils:     make(map[byte][]bool),
		readErrs:  make(map[uint16]error),
		writeErrs: make(map[uint16]error),
	}
}

func (f *fakeTransport) set(slave byte, address, value uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registers[slave] == nil {
		f.registers[slave] = make(map[uint16]uint16)
	}
	f.registers[slave][address] = value
}

func (f *fakeTransport) get(slave byte, address uint16) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers[slave][address]
}

func (f *fakeTransport) ReadHoldingRegisters(ctx context.Context, slave byte, address, quantity uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.readErrs[address]; err != nil {
		return nil, err
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = f.registers[slave][address+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) WriteSingleRegister(ctx context.Context, slave byte, address, value uint16) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.writeErrs[address]; err != nil {
		return 0, err
	}
	if f.registers[slave] == nil {
		f.registers[slave] = make(map[uint16]uint16)
	}
	f.registers[slave][address] = value
	f.registerWrites = append(f.registerWrites, fakeWrite{slave, address, value})
	return value, nil
}

func (f *fakeTransport) ReadCoils(ctx context.Context, slave byte, address, quantity uint16) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]bool, quantity)
	copy(out, f.coils[slave][address:])
	return out, nil
}

func (f *fakeTransport) WriteSingleCoil(ctx context.Context, slave byte, address, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.coilWrites = append(f.coilWrites, fakeWrite{slave, address, value})
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func mustTaidecent(t *testing.T, transport Transport, id int, opts ...DeviceOption) *Taidecent {
	t.Helper()
	d, err := NewTaidecent(transport, id, opts...)
	require.NoError(t, err)
	return d
}

func mustRelays(t *testing.T, transport Transport, id int, opts ...DeviceOption) *WaveshareRelays {
	t.Helper()
	d, err := NewWaveshareRelays(transport, id, opts...)
	require.NoError(t, err)
	return d
}

func mustSchneider(t *testing.T, transport Transport, id int, opts ...DeviceOption) *Schneider {
	t.Helper()
	d, err := NewSchneider(transport, id, opts...)
	require.NoError(t, err)
	return d
}

func lines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sleepCtx(ctx, 0), context.Canceled)
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestDevice_PrintRegisters(t *testing.T) {
	ft := newFakeTransport()
	ft.set(5, 0x4000, 5)
	ft.readErrs[0x8000] = errors.New("timeout")

	var out bytes.Buffer
	d := newDevice(ft, 5, WithOutput(&out), WithDelay(0))
	require.NoError(t, d.PrintRegisters(context.Background(), WaveshareReadRegisters))

	got := lines(&out)
	require.Len(t, got, 2)
	assert.Equal(t, "Read 0x4000   DeviceAddress       :      5", got[0])
	assert.Equal(t, "Read 0x8000   SoftwareVersion     : timeout", got[1])
}

func TestDevice_WriteRegister(t *testing.T) {
	t.Run("writes and reads back", func(t *testing.T) {
		ft := newFakeTransport()
		var out bytes.Buffer
		d := newDevice(ft, 3, WithOutput(&out), WithDelay(0))

		require.NoError(t, d.WriteRegister(context.Background(), 0x2000, 0x10002, "BaudRate"))
		require.Len(t, ft.registerWrites, 1)
		assert.Equal(t, fakeWrite{3, 0x2000, 2}, ft.registerWrites[0])
		assert.Equal(t, "Read 0x2000   BaudRate            :      2", strings.TrimSpace(out.String()))
	})

	t.Run("write error is printed", func(t *testing.T) {
		ft := newFakeTransport()
		ft.writeErrs[0x2000] = errors.New("illegal data address")
		var out bytes.Buffer
		d := newDevice(ft, 3, WithOutput(&out), WithDelay(0))

		require.NoError(t, d.WriteRegister(context.Background(), 0x2000, 1, "BaudRate"))
		assert.Equal(t, "illegal data address", strings.TrimSpace(out.String()))
	})
}

func TestDevice_SetAddress(t *testing.T) {
	t.Run("already at target", func(t *testing.T) {
		ft := newFakeTransport()
		ft.set(1, 0x0066, 2)
		d := newDevice(ft, 1, WithDelay(0))

		require.NoError(t, d.SetAddress(context.Background(), 0x0066, 2))
		assert.Empty(t, ft.registerWrites)
		assert.Equal(t, 2, d.ID())
	})

	t.Run("changes id", func(t *testing.T) {
		ft := newFakeTransport()
		ft.set(1, 0x0066, 1)
		ft.set(2, 0x0066, 2) // 設備在新位址回應

		var out bytes.Buffer
		d := newDevice(ft, 1, WithOutput(&out), WithDelay(0))
		require.NoError(t, d.SetAddress(context.Background(), 0x0066, 2))

		assert.Equal(t, 2, d.ID())
		require.Len(t, ft.registerWrites, 1)
		assert.Equal(t, fakeWrite{1, 0x0066, 2}, ft.registerWrites[0])

		got := lines(&out)
		require.Len(t, got, 3)
		assert.Equal(t, "Setting DeviceAddress to 1 -> 2", got[0])
		assert.Equal(t, "WriteSingleRegister address=0x0066 value=2", got[1])
		assert.Equal(t, "Read 0x66   DeviceAddress       :      2", got[2])
	})

	t.Run("read back mismatch", func(t *testing.T) {
		ft := newFakeTransport()
		ft.set(1, 0x0066, 1)
		ft.set(2, 0x0066, 9)

		d := newDevice(ft, 1, WithDelay(0))
		err := d.SetAddress(context.Background(), 0x0066, 2)
		assert.ErrorIs(t, err, ErrDeviceIDMismatch)
		assert.Equal(t, 1, d.ID())
	})

	t.Run("invalid id", func(t *testing.T) {
		d := newDevice(newFakeTransport(), 1, WithDelay(0))
		assert.ErrorIs(t, d.SetAddress(context.Background(), 0x0066, 0), ErrInvalidDeviceID)
		assert.ErrorIs(t, d.SetAddress(context.Background(), 0x0066, 248), ErrInvalidDeviceID)
	})
}

func TestTemperatureConversion(t *testing.T) {
	tests := []struct {
		raw     uint16
		celsius float64
		want    string
	}{
		{2150, 21.5, "21.5°C  70.70°F"},
		{2000, 20.0, "20.0°C  68.00°F"},
		{0xFF38, -2.0, "-2.0°C  28.40°F"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			temp := NewTemperature(tt.raw)
			assert.InDelta(t, tt.celsius, temp.Celsius, 1e-9)
			assert.InDelta(t, CelsiusToFahrenheit(tt.celsius), temp.Fahrenheit, 1e-9)
			assert.Equal(t, tt.want, temp.String())
		})
	}
}

func TestTaidecent_ReadTemperature(t *testing.T) {
	ft := newFakeTransport()
	ft.set(TaidecentDeviceID, 0x0000, 2150)

	var out bytes.Buffer
	tai := mustTaidecent(t, ft, TaidecentDeviceID, WithOutput(&out), WithDelay(0))

	f, err := tai.ReadTemperature(context.Background(), true, true)
	require.NoError(t, err)
	assert.InDelta(t, 70.7, f, 1e-9)
	assert.Equal(t, "Read 0x00   Temperature         :   0x0866    2150  21.5°C  70.70°F", strings.TrimSpace(out.String()))

	out.Reset()
	c, err := tai.ReadTemperature(context.Background(), false, false)
	require.NoError(t, err)
	assert.InDelta(t, 21.5, c, 1e-9)
	assert.Empty(t, out.String())
}

func TestTaidecent_ReadTemperatureError(t *testing.T) {
	ft := newFakeTransport()
	ft.readErrs[0x0000] = errors.New("no response")

	tai := mustTaidecent(t, ft, TaidecentDeviceID, WithDelay(0))
	_, err := tai.ReadTemperature(context.Background(), true, true)
	assert.ErrorContains(t, err, "no response")
}

func TestTaidecent_ReadRegisters(t *testing.T) {
	ft := newFakeTransport()
	ft.set(TaidecentDeviceID, 0x0000, 2000)
	ft.set(TaidecentDeviceID, 0x0066, TaidecentDeviceID)
	ft.readErrs[0x0064] = errors.New("timeout")

	var out bytes.Buffer
	tai := mustTaidecent(t, ft, TaidecentDeviceID, WithOutput(&out), WithDelay(0))
	require.NoError(t, tai.ReadRegisters(context.Background()))

	got := lines(&out)
	require.Len(t, got, len(TaidecentRegisters)+1)
	assert.Contains(t, got[0], "Taidecent Thermometer")
	assert.Equal(t, "Read 0x00   Temperature         :   2000  20.0°C  68.00°F", got[1])
	assert.Equal(t, "Read 0x64   ModelCode           : timeout", got[3])
	assert.Equal(t, "Read 0x66   DeviceAddress       :      2", got[5])
}

func TestTaidecent_SetTempCorrection(t *testing.T) {
	t.Run("negative correction", func(t *testing.T) {
		ft := newFakeTransport()
		var out bytes.Buffer
		tai := mustTaidecent(t, ft, TaidecentDeviceID, WithOutput(&out), WithDelay(0))

		require.NoError(t, tai.SetTempCorrection(context.Background(), -5))
		assert.Equal(t, uint16(0xFFFB), ft.get(TaidecentDeviceID, 0x006B))

		got := lines(&out)
		require.Len(t, got, 3)
		assert.Equal(t, "Setting TempCorrection", got[0])
		assert.Equal(t, "WriteSingleRegister address=0x006B value=65531", got[1])
		assert.Equal(t, "Read 0x6B   TempCorrection      :  65531", got[2])
	})

	t.Run("unchanged", func(t *testing.T) {
		ft := newFakeTransport()
		ft.set(TaidecentDeviceID, 0x006B, 10)
		tai := mustTaidecent(t, ft, TaidecentDeviceID, WithDelay(0))

		require.NoError(t, tai.SetTempCorrection(context.Background(), 10))
		assert.Empty(t, ft.registerWrites)
	})
}

func TestTaidecent_SetDeviceID(t *testing.T) {
	ft := newFakeTransport()
	ft.set(TaidecentDeviceIDFactory, 0x0066, TaidecentDeviceIDFactory)
	ft.set(TaidecentDeviceID, 0x0066, TaidecentDeviceID)

	tai := mustTaidecent(t, ft, TaidecentDeviceIDFactory, WithDelay(0))
	require.NoError(t, tai.SetDeviceID(context.Background(), TaidecentDeviceID))
	assert.Equal(t, TaidecentDeviceID, tai.ID())
}

func TestNewDevices_RejectOutOfRangeID(t *testing.T) {
	// 258 截斷成 byte 後會落在 unit 2
	for _, id := range []int{0, -1, 248, 258} {
		ft := newFakeTransport()
		ft.set(byte(id), 0x0066, uint16(byte(id)))

		_, err := NewTaidecent(ft, id, WithDelay(0))
		assert.ErrorIs(t, err, ErrInvalidDeviceID, "taidecent id %d", id)

		_, err = NewWaveshareRelays(ft, id, WithDelay(0))
		assert.ErrorIs(t, err, ErrInvalidDeviceID, "waveshare id %d", id)

		_, err = NewSchneider(ft, id, WithDelay(0))
		assert.ErrorIs(t, err, ErrInvalidDeviceID, "schneider id %d", id)

		assert.Empty(t, ft.registerWrites)
	}
}

func TestRelayModeFromBool(t *testing.T) {
	assert.Equal(t, RelayClose, RelayModeFromBool(true))
	assert.Equal(t, RelayOpen, RelayModeFromBool(false))
	assert.Equal(t, uint16(0x5500), uint16(RelayFlip))
}

func TestRelayStates(t *testing.T) {
	s := RelayStatesFromBits([]bool{true, false, true, false, false, false, false, true})
	assert.Equal(t, RelayStates(0x85), s)
	assert.True(t, s.Closed(0))
	assert.False(t, s.Closed(1))
	assert.True(t, s.Closed(7))
}

func TestWaveshare_ReadAllRelays(t *testing.T) {
	ft := newFakeTransport()
	ft.coils[WaveshareRelayDeviceID] = []bool{true, false, true, false, false, false, false, false}

	var out bytes.Buffer
	relays := mustRelays(t, ft, WaveshareRelayDeviceID, WithOutput(&out), WithDelay(0))

	states, err := relays.ReadAllRelays(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RelayStates(0x05), states)

	got := lines(&out)
	require.Len(t, got, 4)
	assert.Contains(t, got[0], "WaveShare Relays")
	assert.Equal(t, "Relay states: 0x05", got[1])
	assert.Equal(t, "Relay   0 1 2 3 4 5 6 7", got[2])
	assert.Equal(t, "State   1 0 1 0 0 0 0 0", got[3])
}

func TestWaveshare_WriteRelay(t *testing.T) {
	ft := newFakeTransport()
	relays := mustRelays(t, ft, WaveshareRelayDeviceID, WithDelay(0))
	ctx := context.Background()

	require.NoError(t, relays.WriteRelay(ctx, 0, RelayClose))
	require.NoError(t, relays.WriteRelay(ctx, 7, RelayFlip))
	require.NoError(t, relays.WriteAllRelays(ctx, RelayOpen))

	assert.Equal(t, []fakeWrite{
		{WaveshareRelayDeviceID, 0, 0xFF00},
		{WaveshareRelayDeviceID, 7, 0x5500},
		{WaveshareRelayDeviceID, 0xFF, 0x0000},
	}, ft.coilWrites)

	assert.Error(t, relays.WriteRelay(ctx, 8, RelayClose))
	assert.Error(t, relays.WriteRelay(ctx, -1, RelayClose))
}

func TestWaveshare_WriteRegister(t *testing.T) {
	ft := newFakeTransport()
	relays := mustRelays(t, ft, WaveshareRelayDeviceID, WithDelay(0))

	require.NoError(t, relays.WriteRegister(context.Background(), "BaudRate", 2))
	assert.Equal(t, uint16(2), ft.get(WaveshareRelayDeviceID, 0x2000))

	err := relays.WriteRegister(context.Background(), "SoftwareVersion", 1)
	assert.ErrorContains(t, err, "SoftwareVersion")
}

func TestSchneider_ReadRegisters(t *testing.T) {
	rm := NewRegisterMap()
	require.NoError(t, rm.SetString(0x0031, 20, "PM5560"))
	require.NoError(t, rm.SetUint32(0x0081, 123456))
	require.NoError(t, rm.SetFloat32(0x0BD3, 230.1))
	rm.WriteHoldingRegister(0x1964, SchneiderDeviceID)

	ft := newFakeTransport()
	for _, def := range SchneiderRegisters {
		regs, err := rm.ReadHoldingRegisters(def.Address, def.Count)
		require.NoError(t, err)
		for i, v := range regs {
			ft.set(SchneiderDeviceID, def.Address+uint16(i), v)
		}
	}
	ft.readErrs[0x0C25] = errors.New("gateway timeout")

	var out bytes.Buffer
	meter := mustSchneider(t, ft, SchneiderDeviceID, WithOutput(&out), WithDelay(0))
	require.NoError(t, meter.ReadRegisters(context.Background()))

	got := lines(&out)
	require.Len(t, got, len(SchneiderRegisters)+1)
	assert.Contains(t, got[0], "Schneider Electric Meter")
	assert.True(t, strings.HasPrefix(got[2], "Read 0x0031   Model               : 504D 3535 3630"))
	assert.True(t, strings.HasSuffix(got[2], `| "PM5560"`))
	assert.Equal(t, "Read 0x0081   SerialNumber        : 0001 E240 | 123456", got[4])
	assert.Equal(t, "Read 0x1964   Address             : 000C", got[6])
	assert.Equal(t, "Read 0x0BD3   Voltage_LN_1        : 4366 199A | 230.10", got[10])
	assert.Equal(t, "Read 0x0C25   Frequency           : gateway timeout", got[11])
}

func TestDevice_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	meter := mustSchneider(t, newFakeTransport(), SchneiderDeviceID, WithDelay(0))
	assert.ErrorIs(t, meter.ReadRegisters(ctx), context.Canceled)
}
