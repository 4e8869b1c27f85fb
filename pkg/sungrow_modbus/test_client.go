package sungrow_modbus

import (
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

// TestRegisterReader is an in-memory register bank.
type TestRegisterReader struct {
	mu        sync.Mutex
	Registers map[uint16]uint16
	// OpenErr is returned by Open while set
	OpenErr error
	// ReadErrs maps block start addresses to the error returned when read
	ReadErrs map[uint16]error
	// Delay stalls every read, like a slow inverter
	Delay time.Duration

	Opens  int
	Closes int
	Reads  int
	opened bool
}

func NewTestRegisterReader() *TestRegisterReader {
	return &TestRegisterReader{
		Registers: TestRegisters(),
		ReadErrs:  map[uint16]error{},
	}
}

func (r *TestRegisterReader) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Opens++
	if r.OpenErr != nil {
		return r.OpenErr
	}
	r.opened = true
	return nil
}

func (r *TestRegisterReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closes++
	r.opened = false
	return nil
}

func (r *TestRegisterReader) IsOpened() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

func (r *TestRegisterReader) SetDelay(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Delay = delay
}

func (r *TestRegisterReader) Counts() (opens, closes, reads int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Opens, r.Closes, r.Reads
}

func (r *TestRegisterReader) SetReadError(address uint16, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.ReadErrs, address)
	} else {
		r.ReadErrs[address] = err
	}
}

func (r *TestRegisterReader) ReadRegisters(addr uint16, quantity uint16, regType modbus.RegType) ([]uint16, error) {
	r.mu.Lock()
	delay := r.Delay
	r.mu.Unlock()
	time.Sleep(delay)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reads++
	if !r.opened {
		return nil, modbus.ErrRequestTimedOut
	}
	if err, ok := r.ReadErrs[addr]; ok {
		return nil, err
	}
	words := make([]uint16, quantity)
	for i := range words {
		words[i] = r.Registers[addr+uint16(i)]
	}
	return words, nil
}

// TestRegisters is a plausible register bank for a sunny afternoon.
func TestRegisters() map[uint16]uint16 {
	return map[uint16]uint16{
		5002:  184,    // daily_pv_generation 18.4 kWh
		5003:  0x0000, // total_pv_generation 12345 kWh
		5004:  0x3039,
		5007:  452, // inverter_temp 45.2
		5016:  0x0000,
		5017:  3250,   // pv_power 3250 W
		5112:  412,    // daily_running_time
		12999: 1,      // Running
		13000: 2104,   // battery_voltage 210.4
		13001: 0xFFE2, // battery_current -3.0
		13007: 0x0000,
		13008: 870, // load_power 870 W
		13009: 0xFFFF,
		13010: 0xFF38, // grid_export_power -200 W
		13020: 0x0000,
		13021: 1500, // battery_power 1500 W
		13022: 655,  // battery_soc 65.5
		13024: 251,  // battery_temp 25.1
		13025: 63,
		13026: 21,
		13034: 52,
		13035: 14,
		13036: 96,
		13044: 0x0000,
		13045: 4567,
		13046: 0x0000,
		13047: 1234,
	}
}
