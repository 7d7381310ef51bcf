package engine

import (
	"log/slog"

	"github.com/seantiz/offload/internal/config"
	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/transport"
)

// NewLaunchers registers every transport kind, configured from cfg.
func NewLaunchers(cfg config.Config, entrypoints *entrypoint.Registry, logger *slog.Logger) *transport.Registry {
	reg := transport.NewRegistry()
	reg.Register(model.TransportInProcess, &transport.InProcess{Registry: entrypoints, Logger: logger})
	reg.Register(model.TransportProcess, &transport.Process{Logger: logger})
	unix := &transport.Unix{Path: cfg.GuestSocket, Logger: logger}
	if cfg.GuestBridge {
		unix.BridgePort = cfg.GuestPort
	}
	reg.Register(model.TransportUnix, unix)
	reg.Register(model.TransportVsock, &transport.Vsock{CID: cfg.GuestCID, Port: cfg.GuestPort, Logger: logger})
	return reg
}
