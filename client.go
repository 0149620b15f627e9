package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// ErrNoSerialPort 未指定且找不到序列埠
	ErrNoSerialPort = errors.New("no serial port specified")

	// ErrUnexpectedResponse 回應內容與請求不符
	ErrUnexpectedResponse = errors.New("unexpected modbus response")
)

// Transport 單一 Modbus 連線上的請求/回應原語
type Transport interface {
	// ReadHoldingRegisters 讀取保持暫存器 (FC 03)
	ReadHoldingRegisters(ctx context.Context, slave byte, address, quantity uint16) ([]uint16, error)

	// WriteSingleRegister 寫入單一暫存器 (FC 06)，返回設備回傳的值
	WriteSingleRegister(ctx context.Context, slave byte, address, value uint16) (uint16, error)

	// ReadCoils 讀取線圈 (FC 01)
	ReadCoils(ctx context.Context, slave byte, address, quantity uint16) ([]bool, error)

	// WriteSingleCoil 寫入單一線圈 (FC 05)，value 原樣送出
	WriteSingleCoil(ctx context.Context, slave byte, address, value uint16) error

	Close() error
}

// clientHandler goburrow 的 RTU 與 TCP handler 共同具備的方法
type clientHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// ModbusTransport 以 goburrow/modbus 實作的 Transport
type ModbusTransport struct {
	mu sync.Mutex

	handler  clientHandler
	client   modbus.Client
	setSlave func(byte)

	endpoint string
	logger   *zap.Logger
}

// NewTransport 依配置建立 RTU 或 TCP 連線 (尚未連線)
func NewTransport(cfg *Config, logger *zap.Logger) (*ModbusTransport, error) {
	t := &ModbusTransport{logger: logger}

	switch cfg.Mode {
	case ModeSerial:
		if cfg.Serial.Port == "" || cfg.Serial.Port == NoSerialPortFound {
			return nil, ErrNoSerialPort
		}
		h := modbus.NewRTUClientHandler(cfg.Serial.Port)
		h.BaudRate = cfg.Serial.Baud
		h.DataBits = cfg.Serial.DataBits
		h.Parity = cfg.Serial.Parity
		h.StopBits = cfg.Serial.StopBits
		h.Timeout = cfg.Timing.Timeout
		if debugEnabled(logger) {
			h.Logger = zap.NewStdLog(logger.Named("rtu"))
		}
		t.handler = h
		t.setSlave = func(id byte) { h.SlaveId = id }
		t.endpoint = fmt.Sprintf("%s@%d", cfg.Serial.Port, cfg.Serial.Baud)

	case ModeTCP:
		addr := net.JoinHostPort(cfg.TCP.Host, strconv.Itoa(cfg.TCP.Port))
		h := modbus.NewTCPClientHandler(addr)
		h.Timeout = cfg.Timing.Timeout
		if debugEnabled(logger) {
			h.Logger = zap.NewStdLog(logger.Named("tcp"))
		}
		t.handler = h
		t.setSlave = func(id byte) { h.SlaveId = id }
		t.endpoint = addr

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}

	t.client = modbus.NewClient(t.handler)
	return t, nil
}

func debugEnabled(logger *zap.Logger) bool {
	return logger != nil && logger.Core().Enabled(zapcore.DebugLevel)
}

// Connect 開啟序列埠或 TCP 連線
func (t *ModbusTransport) Connect() error {
	if err := t.handler.Connect(); err != nil {
		return fmt.Errorf("連線 %s 失敗: %w", t.endpoint, err)
	}
	t.logger.Debug("已連線", zap.String("endpoint", t.endpoint))
	return nil
}

// Close 關閉連線
func (t *ModbusTransport) Close() error {
	return t.handler.Close()
}

// Endpoint 連線目標描述
func (t *ModbusTransport) Endpoint() string {
	return t.endpoint
}

// ReadHoldingRegisters 讀取保持暫存器 (FC 03)
func (t *ModbusTransport) ReadHoldingRegisters(ctx context.Context, slave byte, address, quantity uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.setSlave(slave)
	data, err := t.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, err
	}
	if len(data) != int(quantity)*2 {
		return nil, fmt.Errorf("%w: 預期 %d 位元組，收到 %d", ErrUnexpectedResponse, quantity*2, len(data))
	}
	return BytesToRegisters(data), nil
}

// WriteSingleRegister 寫入單一暫存器 (FC 06)
func (t *ModbusTransport) WriteSingleRegister(ctx context.Context, slave byte, address, value uint16) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.setSlave(slave)
	data, err := t.client.WriteSingleRegister(address, value)
	if err != nil {
		return 0, err
	}
	if len(data) != 2 {
		return 0, fmt.Errorf("%w: 預期 2 位元組，收到 %d", ErrUnexpectedResponse, len(data))
	}
	return binary.BigEndian.Uint16(data), nil
}

// ReadCoils 讀取線圈 (FC 01)
func (t *ModbusTransport) ReadCoils(ctx context.Context, slave byte, address, quantity uint16) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.setSlave(slave)
	data, err := t.client.ReadCoils(address, quantity)
	if err != nil {
		return nil, err
	}
	if len(data) != (int(quantity)+7)/8 {
		return nil, fmt.Errorf("%w: 預期 %d 位元組，收到 %d", ErrUnexpectedResponse, (quantity+7)/8, len(data))
	}
	return ByteToCoils(data, int(quantity)), nil
}

// WriteSingleCoil 寫入單一線圈 (FC 05)
//
// goburrow 的 client 只接受 0xFF00 與 0x0000，其他值 (例如 Waveshare 的翻轉指令)
// 直接經由 handler 送出原始 PDU。
func (t *ModbusTransport) WriteSingleCoil(ctx context.Context, slave byte, address, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.setSlave(slave)
	if value == CoilValueOn || value == CoilValueOff {
		_, err := t.client.WriteSingleCoil(address, value)
		return err
	}

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data, address)
	binary.BigEndian.PutUint16(data[2:], value)
	resp, err := t.sendRaw(&modbus.ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: data})
	if err != nil {
		return err
	}
	if len(resp) != 4 || binary.BigEndian.Uint16(resp) != address || binary.BigEndian.Uint16(resp[2:]) != value {
		return fmt.Errorf("%w: 線圈回應 % X", ErrUnexpectedResponse, resp)
	}
	return nil
}

// sendRaw 送出原始 PDU 並返回回應資料 (呼叫者須持有鎖)
func (t *ModbusTransport) sendRaw(pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	adu, err := t.handler.Encode(pdu)
	if err != nil {
		return nil, err
	}
	aduResp, err := t.handler.Send(adu)
	if err != nil {
		return nil, err
	}
	if err = t.handler.Verify(adu, aduResp); err != nil {
		return nil, err
	}
	resp, err := t.handler.Decode(aduResp)
	if err != nil {
		return nil, err
	}
	if resp.FunctionCode != pdu.FunctionCode {
		if resp.FunctionCode == pdu.FunctionCode|0x80 && len(resp.Data) > 0 {
			return nil, &modbus.ModbusError{FunctionCode: resp.FunctionCode, ExceptionCode: resp.Data[0]}
		}
		return nil, fmt.Errorf("%w: 功能碼 %d", ErrUnexpectedResponse, resp.FunctionCode)
	}
	return resp.Data, nil
}
