package common

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	snowNode     *snowflake.Node
	snowNodeOnce sync.Once
)

func idNode() *snowflake.Node {
	snowNodeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		snowNode = node
	})
	return snowNode
}

// UUIDint64 returns a unique, time ordered int64 id.
func UUIDint64() int64 {
	return idNode().Generate().Int64()
}
