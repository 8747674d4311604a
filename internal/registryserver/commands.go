//go:build linux

package registryserver

import (
	"errors"
	"teebroker/internal/registry"
	"teebroker/pkg/protocol"
)

// handlerFunc executes a validated command. It returns the result, the
// response payload (sent only on OK) and the token bytes involved, which
// are fingerprinted in the audit log.
type handlerFunc func(s *Server, payload []byte) (res protocol.Result, out, token []byte)

type command struct {
	minPayload int
	handler    handlerFunc
}

// commands is indexed by command id and never modified.
var commands = [...]command{
	protocol.CmdReadToken:   {minPayload: 0, handler: (*Server).handleReadToken},
	protocol.CmdStoreToken:  {minPayload: 1, handler: (*Server).handleStoreToken},
	protocol.CmdDeleteToken: {minPayload: 0, handler: (*Server).handleDeleteToken},
}

func lookupCommand(id protocol.CommandID) (command, bool) {
	if uint64(id) >= uint64(len(commands)) {
		return command{}, false
	}
	return commands[id], true
}

func (s *Server) handleReadToken(_ []byte) (protocol.Result, []byte, []byte) {
	data, err := s.config.Tokens.Read()
	if err != nil {
		s.logger.Printf("read token: %v", err)
		return resultFor(err), nil, nil
	}
	return protocol.ResultOK, data, data
}

func (s *Server) handleStoreToken(payload []byte) (protocol.Result, []byte, []byte) {
	persisted, err := s.config.Tokens.Store(payload)
	if err != nil {
		s.logger.Printf("store token: %v", err)
		return resultFor(err), nil, nil
	}

	if s.config.Loader != nil {
		if err := s.config.Loader.LoadToken(persisted); err != nil {
			s.logger.Printf("token stored but not loaded into the secure world: %v", err)
		}
	}
	return protocol.ResultOK, nil, persisted
}

func (s *Server) handleDeleteToken(_ []byte) (protocol.Result, []byte, []byte) {
	if err := s.config.Tokens.Delete(); err != nil {
		s.logger.Printf("delete token: %v", err)
		return resultFor(err), nil, nil
	}
	return protocol.ResultOK, nil, nil
}

// resultFor maps a token store outcome to the wire result code.
func resultFor(err error) protocol.Result {
	switch {
	case err == nil:
		return protocol.ResultOK
	case errors.Is(err, registry.ErrTokenNotFound), errors.Is(err, registry.ErrNoDeviceFile):
		return protocol.ResultInvalidDeviceFile
	case errors.Is(err, registry.ErrTokenSize), errors.Is(err, registry.ErrOutOfResources):
		return protocol.ResultOutOfResources
	case errors.Is(err, registry.ErrInvalidParameter):
		return protocol.ResultInvalidParameter
	default:
		return protocol.ResultUnknown
	}
}
