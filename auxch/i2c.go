package auxch

import (
	"context"
	"fmt"

	"github.com/ardnew/softdp/pkg"
)

// I2CRead reads len(buf) bytes from the I2C device at devAddr starting at
// register offset, holding the bus with middle-of-transaction requests:
// an offset write, then data reads, then an address-only stop.
func (c *Channel) I2CRead(ctx context.Context, devAddr uint8, offset uint8, buf []byte) error {
	if devAddr > 0x7F {
		return fmt.Errorf("i2c address %#x: %w", devAddr, pkg.ErrInvalidParameter)
	}
	addr := uint32(devAddr)

	if _, err := c.Transact(ctx, Request{Kind: I2CWrite, Address: addr, MOT: true, Data: []byte{offset}}); err != nil {
		return err
	}

	for off := 0; off < len(buf); {
		n := min(MaxDataBytes, len(buf)-off)
		reply, err := c.Transact(ctx, Request{Kind: I2CRead, Address: addr, MOT: true, Length: n})
		if err != nil {
			c.i2cStop(ctx, I2CRead, addr)
			return err
		}
		if len(reply.Data) == 0 {
			c.i2cStop(ctx, I2CRead, addr)
			return fmt.Errorf("i2c read 0x%02X: empty reply: %w", devAddr, pkg.ErrAuxMalformed)
		}
		off += copy(buf[off:], reply.Data)
	}

	return c.i2cStop(ctx, I2CRead, addr)
}

// I2CWrite writes data to the I2C device at devAddr, then stops.
func (c *Channel) I2CWrite(ctx context.Context, devAddr uint8, data []byte) error {
	if devAddr > 0x7F {
		return fmt.Errorf("i2c address %#x: %w", devAddr, pkg.ErrInvalidParameter)
	}
	addr := uint32(devAddr)

	for off := 0; off < len(data); off += MaxDataBytes {
		n := min(MaxDataBytes, len(data)-off)
		if _, err := c.Transact(ctx, Request{Kind: I2CWrite, Address: addr, MOT: true, Data: data[off : off+n]}); err != nil {
			c.i2cStop(ctx, I2CWrite, addr)
			return err
		}
	}

	return c.i2cStop(ctx, I2CWrite, addr)
}

// I2CWriteStatus asks the sink for the progress of a deferred I2C write.
func (c *Channel) I2CWriteStatus(ctx context.Context, devAddr uint8) (Reply, error) {
	return c.Transact(ctx, Request{Kind: I2CWriteStatus, Address: uint32(devAddr), MOT: true})
}

// i2cStop ends an I2C transaction with an address-only request without MOT.
func (c *Channel) i2cStop(ctx context.Context, kind Kind, addr uint32) error {
	_, err := c.Transact(ctx, Request{Kind: kind, Address: addr})
	return err
}
