package spi

// Mode is the SPI clock polarity/phase (CPOL<<1 | CPHA).
type Mode uint8

const (
	Mode0 Mode = 0
	Mode1 Mode = 1
	Mode2 Mode = 2
	Mode3 Mode = 3
)

// Config is applied once at open. Zero SpeedHz selects 1 MHz and zero
// BitsPerWord selects 8.
type Config struct {
	Mode        Mode
	SpeedHz     uint32
	BitsPerWord uint8
}

func (c Config) withDefaults() Config {
	if c.SpeedHz == 0 {
		c.SpeedHz = 1000000
	}
	if c.BitsPerWord == 0 {
		c.BitsPerWord = 8
	}
	return c
}
