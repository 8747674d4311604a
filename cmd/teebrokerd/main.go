// Command teebrokerd is the normal-world daemon of the TEE driver. It
// serves trustlets to the secure world, keeps the authentication token and
// exposes the token registry to local clients.
package main

import (
	"os"
	"teebroker/internal/daemon"
)

func main() {
	os.Exit(daemon.Run(daemon.Env{Args: os.Args[1:]}))
}
