package main

import (
	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/config"
)

// memfsOptions is the struct a mount option string decodes into before
// a backend instance is constructed, mirroring the
// configstruct.Set(m, opt)-immediately-after-parsing shape used
// throughout the retrieved backend constructors.
type memfsOptions struct {
	ConcurrentRW bool `opt:"concurrent_rw"`
	RetainsSize  bool `opt:"retains_size"`
}

func memfsCapabilities(raw string) (backend.Capabilities, error) {
	opt := memfsOptions{}
	if err := config.Set(config.ParseOptions(raw), &opt); err != nil {
		return backend.Capabilities{}, err
	}
	return backend.Capabilities{ConcurrentReadWrite: opt.ConcurrentRW, WriteRetainsSize: opt.RetainsSize}, nil
}
