package main

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// loopbackHandler 沿用 goburrow 的 TCP 封包格式，回應由 respond 產生
type loopbackHandler struct {
	*modbus.TCPClientHandler
	sent    [][]byte
	respond func(adu []byte) []byte
}

func (h *loopbackHandler) Send(adu []byte) ([]byte, error) {
	h.sent = append(h.sent, append([]byte(nil), adu...))
	return h.respond(adu), nil
}

func (h *loopbackHandler) Connect() error { return nil }
func (h *loopbackHandler) Close() error   { return nil }

// tcpReply 以請求的 MBAP 標頭組出回應
func tcpReply(req []byte, pdu ...byte) []byte {
	resp := make([]byte, 7, 7+len(pdu))
	copy(resp, req[:7])
	binary.BigEndian.PutUint16(resp[4:], uint16(1+len(pdu)))
	return append(resp, pdu...)
}

func newLoopbackTransport(respond func(adu []byte) []byte) (*ModbusTransport, *loopbackHandler) {
	h := &loopbackHandler{TCPClientHandler: modbus.NewTCPClientHandler("127.0.0.1:0"), respond: respond}
	t := &ModbusTransport{
		handler:  h,
		client:   modbus.NewClient(h),
		setSlave: func(id byte) { h.SlaveId = id },
		endpoint: "loopback",
		logger:   zap.NewNop(),
	}
	return t, h
}

func TestNewTransport(t *testing.T) {
	t.Run("serial without port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Serial.Port = NoSerialPortFound
		_, err := NewTransport(cfg, zap.NewNop())
		assert.ErrorIs(t, err, ErrNoSerialPort)
	})

	t.Run("serial", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Serial.Port = "/dev/ttyUSB0"
		tr, err := NewTransport(cfg, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "/dev/ttyUSB0@9600", tr.Endpoint())
	})

	t.Run("tcp", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Mode = ModeTCP
		tr, err := NewTransport(cfg, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "192.168.1.210:502", tr.Endpoint())
	})

	t.Run("unknown mode", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Mode = "can"
		_, err := NewTransport(cfg, zap.NewNop())
		assert.ErrorIs(t, err, ErrInvalidMode)
	})
}

func TestModbusTransport_ReadHoldingRegisters(t *testing.T) {
	tr, h := newLoopbackTransport(func(adu []byte) []byte {
		return tcpReply(adu, FuncCodeReadHoldingRegisters, 0x04, 0x08, 0x66, 0x01, 0xC2)
	})

	regs, err := tr.ReadHoldingRegisters(context.Background(), 2, 0x0000, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2150, 450}, regs)

	require.Len(t, h.sent, 1)
	assert.Equal(t, byte(2), h.sent[0][6], "unit id")
	assert.Equal(t, []byte{FuncCodeReadHoldingRegisters, 0x00, 0x00, 0x00, 0x02}, h.sent[0][7:])
}

func TestModbusTransport_WriteSingleRegister(t *testing.T) {
	tr, h := newLoopbackTransport(func(adu []byte) []byte {
		return tcpReply(adu, adu[7:]...)
	})

	value, err := tr.WriteSingleRegister(context.Background(), 12, 0x1964, 13)
	require.NoError(t, err)
	assert.Equal(t, uint16(13), value)
	assert.Equal(t, byte(12), h.sent[0][6])
}

func TestModbusTransport_ReadCoils(t *testing.T) {
	tr, _ := newLoopbackTransport(func(adu []byte) []byte {
		return tcpReply(adu, FuncCodeReadCoils, 0x01, 0x85)
	})

	coils, err := tr.ReadCoils(context.Background(), 3, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false, false, false, false, true}, coils)
}

func TestModbusTransport_WriteSingleCoil(t *testing.T) {
	t.Run("standard values use the client", func(t *testing.T) {
		tr, h := newLoopbackTransport(func(adu []byte) []byte {
			return tcpReply(adu, adu[7:]...)
		})

		require.NoError(t, tr.WriteSingleCoil(context.Background(), 3, 0, CoilValueOn))
		assert.Equal(t, []byte{FuncCodeWriteSingleCoil, 0x00, 0x00, 0xFF, 0x00}, h.sent[0][7:])
	})

	t.Run("flip is sent raw", func(t *testing.T) {
		tr, h := newLoopbackTransport(func(adu []byte) []byte {
			return tcpReply(adu, adu[7:]...)
		})

		require.NoError(t, tr.WriteSingleCoil(context.Background(), 3, 7, uint16(RelayFlip)))
		assert.Equal(t, []byte{FuncCodeWriteSingleCoil, 0x00, 0x07, 0x55, 0x00}, h.sent[0][7:])
	})

	t.Run("exception response", func(t *testing.T) {
		tr, _ := newLoopbackTransport(func(adu []byte) []byte {
			return tcpReply(adu, FuncCodeWriteSingleCoil|0x80, ExceptionCodeIllegalDataAddress)
		})

		err := tr.WriteSingleCoil(context.Background(), 3, 9, uint16(RelayFlip))
		var mbErr *modbus.ModbusError
		require.True(t, errors.As(err, &mbErr))
		assert.Equal(t, byte(ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)
	})

	t.Run("mismatched echo", func(t *testing.T) {
		tr, _ := newLoopbackTransport(func(adu []byte) []byte {
			return tcpReply(adu, FuncCodeWriteSingleCoil, 0x00, 0x01, 0x55, 0x00)
		})

		err := tr.WriteSingleCoil(context.Background(), 3, 7, uint16(RelayFlip))
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
	})
}

func TestModbusTransport_CancelledContext(t *testing.T) {
	tr, h := newLoopbackTransport(func(adu []byte) []byte { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.ReadHoldingRegisters(ctx, 2, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.sent)
}
