package sungrow_modbus

import (
	"errors"
	"net"
	"time"

	"github.com/berfenger/winet2mqtt/pkg/transport"
	"github.com/simonvetter/modbus"
)

// RegisterReader is the subset of *modbus.ModbusClient used by Client.
type RegisterReader interface {
	Open() error
	Close() error
	ReadRegisters(addr uint16, quantity uint16, regType modbus.RegType) ([]uint16, error)
}

var _ RegisterReader = (*modbus.ModbusClient)(nil)

type ModbusInstrument struct {
	RecordTime func(fnName string, readTime time.Duration)
}

func RecordTimer(name string, instrument []ModbusInstrument) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			instrument[i].RecordTime(name, duration)
		}
	}
}

var exceptionCodes = []struct {
	err  error
	code uint8
}{
	{modbus.ErrIllegalFunction, 0x01},
	{modbus.ErrIllegalDataAddress, 0x02},
	{modbus.ErrIllegalDataValue, 0x03},
	{modbus.ErrServerDeviceFailure, 0x04},
	{modbus.ErrAcknowledge, 0x05},
	{modbus.ErrServerDeviceBusy, 0x06},
	{modbus.ErrMemoryParityError, 0x08},
	{modbus.ErrGWPathUnavailable, 0x0a},
	{modbus.ErrGWTargetFailedToRespond, 0x0b},
}

// classifyReadError maps simonvetter/modbus errors onto the transport
// error taxonomy.
func classifyReadError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, modbus.ErrRequestTimedOut) {
		return errors.Join(transport.ErrReadTimeout, err)
	}
	for _, e := range exceptionCodes {
		if errors.Is(err, e.err) {
			return &transport.ProtocolException{Code: e.code, Err: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(transport.ErrReadTimeout, err)
	}
	return err
}
