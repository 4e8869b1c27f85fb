package sungrow_modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/berfenger/winet2mqtt/pkg/telemetry"
	"github.com/berfenger/winet2mqtt/pkg/transport"
	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

const (
	DefaultMaxBlockGap  = 10
	DefaultMaxBlockSize = 100
)

// Client reads the whole register table over one persistent Modbus TCP
// session. The session is opened lazily and dropped on any read failure so
// the next cycle reconnects.
type Client struct {
	mu         sync.Mutex
	reader     RegisterReader
	address    string
	blocks     []Block
	open       bool
	// closed once a read abandoned on cancellation returns; the session is
	// released only then
	pending    chan struct{}
	instrument []ModbusInstrument
	logger     *zap.Logger
	now        func() time.Time
}

type BlockOptions struct {
	MaxGap  uint16
	MaxSize uint16
}

func NewClient(reader RegisterReader, address string, specs []telemetry.RegisterSpec, opts BlockOptions,
	logger *zap.Logger, instrumentation *ModbusInstrument) (*Client, error) {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = DefaultMaxBlockSize
	}
	if opts.MaxSize > 125 {
		return nil, errors.New("modbus: block size must be <= 125 registers")
	}

	var inst []ModbusInstrument
	if logger.Core().Enabled(zap.DebugLevel) {
		inst = append(inst, debugLoggerInstrumentation(logger))
	}
	if instrumentation != nil {
		inst = append(inst, *instrumentation)
	}

	return &Client{
		reader:     reader,
		address:    address,
		blocks:     PlanBlocks(specs, opts.MaxGap, opts.MaxSize),
		instrument: inst,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func CreateClient(host string, port uint, unitId uint8, timeout time.Duration, opts BlockOptions,
	logger *zap.Logger, instrumentation *ModbusInstrument) (*Client, error) {
	url := fmt.Sprintf("tcp://%s:%d", host, port)
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     url,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	err = client.SetUnitId(unitId)
	if err != nil {
		return nil, err
	}
	return NewClient(client, url, RegisterTable(), opts,
		logger.With(zap.String("target", "inverter"), zap.Uint8("unitId", unitId)), instrumentation)
}

// Connect opens the session if it is not already open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	if c.pending != nil {
		select {
		case <-c.pending:
		case <-ctx.Done():
			return &transport.ConnectError{Address: c.address, Err: ctx.Err()}
		}
		c.release()
	}
	if c.open {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &transport.ConnectError{Address: c.address, Err: err}
	}
	defer RecordTimer("Open", c.instrument)()
	if err := c.reader.Open(); err != nil {
		return &transport.ConnectError{Address: c.address, Err: err}
	}
	c.open = true
	c.logger.Debug("modbus: session opened", zap.String("address", c.address))
	return nil
}

// ReadBlock reads count input registers starting at address.
func (c *Client) ReadBlock(ctx context.Context, address uint16, count uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	words, err := c.readBlock(ctx, address, count)
	if err != nil {
		c.drop()
	}
	return words, err
}

func (c *Client) readBlock(ctx context.Context, address uint16, count uint16) ([]uint16, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer RecordTimer("ReadRegisters", c.instrument)()
	words, err := c.readRegisters(ctx, address, count)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && c.pending != nil {
			return nil, fmt.Errorf("read block %d+%d: %w", address, count, ctxErr)
		}
		return nil, fmt.Errorf("read block %d+%d: %w", address, count, classifyReadError(err))
	}
	if len(words) < int(count) {
		return nil, fmt.Errorf("read block %d+%d: %w", address, count, &transport.ProtocolException{
			Err: fmt.Errorf("short response: %d registers", len(words)),
		})
	}
	return words, nil
}

type readResult struct {
	words []uint16
	err   error
}

// readRegisters returns when the read completes or ctx is done, whichever
// comes first. An abandoned read keeps the session busy until it returns on
// its own socket timeout; c.pending tracks it.
func (c *Client) readRegisters(ctx context.Context, address uint16, count uint16) ([]uint16, error) {
	done := make(chan readResult, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		words, err := c.reader.ReadRegisters(address, count, modbus.INPUT_REGISTER)
		done <- readResult{words: words, err: err}
	}()
	select {
	case res := <-done:
		return res.words, res.err
	case <-ctx.Done():
		c.pending = finished
		c.logger.Debug("modbus: read abandoned", zap.Uint16("address", address), zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}

// ReadAll reads every planned block and decodes the whole table. Any failure
// discards what was read so far and drops the session.
func (c *Client) ReadAll(ctx context.Context) (telemetry.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	readings, err := c.readAll(ctx)
	if err != nil {
		c.drop()
		return telemetry.Snapshot{}, err
	}
	return telemetry.NewSnapshot("modbus", c.now(), readings), nil
}

func (c *Client) readAll(ctx context.Context) ([]telemetry.Reading, error) {
	var readings []telemetry.Reading
	capturedAt := c.now()
	for _, block := range c.blocks {
		words, err := c.readBlock(ctx, block.Address, block.Count)
		if err != nil {
			return nil, err
		}
		for _, spec := range block.Specs {
			offset := spec.Address - block.Address
			value, err := telemetry.Decode(words[offset:], spec)
			if err != nil {
				return nil, err
			}
			readings = append(readings, telemetry.NewReading(spec.Key, value, capturedAt))
		}
	}
	return readings, nil
}

// drop closes the session and marks it for lazy reconnect. With a read still
// pending the close is deferred to the next connect or Close.
func (c *Client) drop() {
	if !c.open {
		return
	}
	c.open = false
	if c.pending != nil {
		return
	}
	if err := c.reader.Close(); err != nil {
		c.logger.Debug("modbus: close after failure", zap.Error(err))
	}
}

// release closes the session left behind by an abandoned read. The caller
// has already waited for c.pending.
func (c *Client) release() {
	c.pending = nil
	c.open = false
	if err := c.reader.Close(); err != nil {
		c.logger.Debug("modbus: close after abandoned read", zap.Error(err))
	}
}

// Close releases the session. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		<-c.pending
		c.pending = nil
		c.open = false
		return c.reader.Close()
	}
	if !c.open {
		return nil
	}
	c.open = false
	return c.reader.Close()
}

func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func debugLoggerInstrumentation(logger *zap.Logger) ModbusInstrument {
	return ModbusInstrument{
		RecordTime: func(fnName string, readTime time.Duration) {
			logger.Debug("modbus timing", zap.String("fn", fnName), zap.Int64("millis", readTime.Milliseconds()))
		},
	}
}
