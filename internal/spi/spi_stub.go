//go:build !linux

package spi

import "fmt"

type Conn struct{}

func Open(bus, dev int, cfg Config) (*Conn, error) {
	return nil, fmt.Errorf("spi: unsupported OS (need linux)")
}

func OpenPath(path string, cfg Config) (*Conn, error) {
	return nil, fmt.Errorf("spi: unsupported OS (need linux)")
}

func (c *Conn) Path() string         { return "" }
func (c *Conn) Close() error         { return nil }
func (c *Conn) Tx(w, r []byte) error { return fmt.Errorf("spi: unsupported OS") }
