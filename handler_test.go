package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exceptionCode(t *testing.T, err error) uint8 {
	t.Helper()
	var mbErr *ModbusError
	require.True(t, errors.As(err, &mbErr), "expected ModbusError, got %v", err)
	return mbErr.Code
}

func TestNewSimDevice_Seeds(t *testing.T) {
	tai := NewSimDevice(KindTaidecent, 2, nil)
	assert.Equal(t, uint16(2150), tai.Registers().ReadHoldingRegister(0x0000))
	assert.Equal(t, uint16(450), tai.Registers().ReadHoldingRegister(0x0001))
	assert.Equal(t, uint16(2), tai.Registers().ReadHoldingRegister(0x0066))

	rly := NewSimDevice(KindWaveshare, 3, nil)
	assert.Equal(t, uint16(3), rly.Registers().ReadHoldingRegister(0x4000))
	assert.Equal(t, uint16(0x0100), rly.Registers().ReadHoldingRegister(0x8000))

	mtr := NewSimDevice(KindSchneider, 12, nil)
	assert.Equal(t, uint16(12), mtr.Registers().ReadHoldingRegister(0x1964))
	regs, err := mtr.Registers().ReadHoldingRegisters(0x0045, 20)
	require.NoError(t, err)
	assert.Equal(t, "Schneider Electric", RegistersToString(regs))
}

func TestRequestHandler_ReadHoldingRegisters(t *testing.T) {
	dev := NewSimDevice(KindTaidecent, 2, nil)
	h := NewRequestHandler(dev, zap.NewNop())

	regs, err := h.HandleReadHoldingRegisters(0x0000, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2150, 450}, regs)

	_, err = h.HandleReadHoldingRegisters(0x0000, 0)
	assert.Equal(t, uint8(ExceptionCodeIllegalDataValue), exceptionCode(t, err))

	_, err = h.HandleReadHoldingRegisters(0xFFFF, 2)
	assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), exceptionCode(t, err))

	stats := dev.GetStats()
	assert.Equal(t, uint64(3), stats.RequestCount.Load())
	assert.Equal(t, uint64(2), stats.ErrorCount.Load())
}

func TestRequestHandler_WriteSingleCoil(t *testing.T) {
	tests := []struct {
		name     string
		ops      [][2]uint16
		want     RelayStates
		wantCode uint8
	}{
		{
			name: "close one",
			ops:  [][2]uint16{{1, 0xFF00}},
			want: 0x02,
		},
		{
			name: "close all then open one",
			ops:  [][2]uint16{{0xFF, 0xFF00}, {0, 0x0000}},
			want: 0xFE,
		},
		{
			name: "flip twice",
			ops:  [][2]uint16{{3, 0x5500}, {4, 0x5500}, {3, 0x5500}},
			want: 0x10,
		},
		{
			name: "flip all",
			ops:  [][2]uint16{{0, 0xFF00}, {0xFF, 0x5500}},
			want: 0xFE,
		},
		{
			name:     "bad value",
			ops:      [][2]uint16{{0, 0x1234}},
			wantCode: ExceptionCodeIllegalDataValue,
		},
		{
			name:     "bad index",
			ops:      [][2]uint16{{8, 0xFF00}},
			wantCode: ExceptionCodeIllegalDataAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := NewSimDevice(KindWaveshare, 3, nil)
			h := NewRequestHandler(dev, zap.NewNop())

			var err error
			for _, op := range tt.ops {
				if err = h.HandleWriteSingleCoil(op[0], op[1]); err != nil {
					break
				}
			}

			if tt.wantCode != 0 {
				assert.Equal(t, tt.wantCode, exceptionCode(t, err))
				return
			}
			require.NoError(t, err)
			coils, err := h.HandleReadCoils(0, WaveshareRelayCount)
			require.NoError(t, err)
			assert.Equal(t, tt.want, RelayStatesFromBits(coils))
		})
	}
}

func TestRequestHandler_WriteSingleCoilWrongDevice(t *testing.T) {
	h := NewRequestHandler(NewSimDevice(KindTaidecent, 2, nil), zap.NewNop())
	err := h.HandleWriteSingleCoil(0, 0xFF00)
	assert.Equal(t, uint8(ExceptionCodeIllegalFunction), exceptionCode(t, err))
}

func TestRequestHandler_WriteSingleRegister(t *testing.T) {
	t.Run("read-only register", func(t *testing.T) {
		h := NewRequestHandler(NewSimDevice(KindWaveshare, 3, nil), zap.NewNop())
		err := h.HandleWriteSingleRegister(0x8000, 1)
		assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), exceptionCode(t, err))
	})

	t.Run("undefined register", func(t *testing.T) {
		h := NewRequestHandler(NewSimDevice(KindSchneider, 12, nil), zap.NewNop())
		err := h.HandleWriteSingleRegister(0x0500, 1)
		assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), exceptionCode(t, err))
	})

	t.Run("invalid device address", func(t *testing.T) {
		h := NewRequestHandler(NewSimDevice(KindSchneider, 12, nil), zap.NewNop())
		err := h.HandleWriteSingleRegister(0x1964, 0)
		assert.Equal(t, uint8(ExceptionCodeIllegalDataValue), exceptionCode(t, err))
	})

	t.Run("temperature correction applies", func(t *testing.T) {
		dev := NewSimDevice(KindTaidecent, 2, nil)
		h := NewRequestHandler(dev, zap.NewNop())

		require.NoError(t, h.HandleWriteSingleRegister(0x006B, 0xFFCE)) // -50
		assert.Equal(t, uint16(2100), dev.Registers().ReadHoldingRegister(0x0000))
	})
}

func TestRequestHandler_WriteMultiple(t *testing.T) {
	t.Run("relay coils", func(t *testing.T) {
		dev := NewSimDevice(KindWaveshare, 3, nil)
		h := NewRequestHandler(dev, zap.NewNop())

		require.NoError(t, h.HandleWriteMultipleCoils(0, []bool{true, false, true}))
		coils, err := h.HandleReadCoils(0, 8)
		require.NoError(t, err)
		assert.Equal(t, RelayStates(0x05), RelayStatesFromBits(coils))

		err = h.HandleWriteMultipleCoils(6, []bool{true, true, true})
		assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), exceptionCode(t, err))
	})

	t.Run("meter settings", func(t *testing.T) {
		dev := NewSimDevice(KindSchneider, 12, nil)
		h := NewRequestHandler(dev, zap.NewNop())

		require.NoError(t, h.HandleWriteMultipleRegisters(0x1965, []uint16{2, 0}))
		regs, err := h.HandleReadHoldingRegisters(0x1965, 2)
		require.NoError(t, err)
		assert.Equal(t, []uint16{2, 0}, regs)

		err = h.HandleWriteMultipleRegisters(0x1966, []uint16{1, 1})
		assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), exceptionCode(t, err))
	})
}

func TestRequestHandler_Jitter(t *testing.T) {
	h := NewRequestHandler(NewSimDevice(KindTaidecent, 2, nil), zap.NewNop())
	h.SetJitter(true, 20*time.Millisecond, 20*time.Millisecond)

	start := time.Now()
	_, err := h.HandleReadHoldingRegisters(0, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestModbusError_Error(t *testing.T) {
	assert.Equal(t, "非法資料位址", (&ModbusError{Code: ExceptionCodeIllegalDataAddress}).Error())
	assert.Equal(t, "未知錯誤", (&ModbusError{Code: 0x0B}).Error())
}
