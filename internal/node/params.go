package node

import (
	"time"

	"github.com/archipelago-go/archipelago/internal/shared/config"
)

// Params are the connection parameters of one worker. Empty strings and a
// zero ThreadLimit are filled in from the worker during the handshake.
type Params struct {
	Host        string
	User        string
	ExecRoot    string
	FileRoot    string
	ThreadLimit int
	Shell       string
}

func ParamsFromConfig(n config.NodeConfig) Params {
	return Params{
		Host:        n.Host,
		User:        n.User,
		ExecRoot:    n.ExecRoot,
		FileRoot:    n.FileRoot,
		ThreadLimit: n.ThreadLimit,
		Shell:       n.Shell,
	}
}

// Options bound the handshake.
type Options struct {
	HandshakeRetries  int
	HandshakeInterval time.Duration
}

func OptionsFromConfig(h config.HandshakeConfig) Options {
	return Options{
		HandshakeRetries:  h.Retries,
		HandshakeInterval: h.Interval,
	}
}

// Memory is the last heartbeat reported by the worker.
type Memory struct {
	AvailableMB int
	TotalMB     int
	MaxMB       int
}
