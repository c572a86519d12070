package cmd

import (
	"errors"

	"github.com/zeusync/netsync/internal/node"
)

// Position and Health are the demo components the command line sends and
// understands. Real games register their own types.
type Position struct {
	X, Y, Z float64
}

type Health struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

func registerComponents(n *node.Node) error {
	return errors.Join(
		node.Register[Position](n),
		node.Register[Health](n),
	)
}
