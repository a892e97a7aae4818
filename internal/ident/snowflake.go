// Package ident provides Snowflake-style 64-bit identifier generation for
// executions, events and catalog entries.
//
// Identifiers are monotonic-ish: a millisecond timestamp in the high bits,
// a node id in the middle and a per-millisecond sequence in the low bits.
// They are stored as signed 64-bit integers and rendered as decimal strings
// at API boundaries, because JSON consumers cannot represent the full int64
// range as a number.
package ident

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"

	"github.com/noetl/noetl/internal/config"
)

const nodeIDMask = 0x3FF // snowflake default: 10 node bits

var (
	generatorOnce sync.Once
	generator     *snowflake.Node
	generatorErr  error
)

// NewID returns a fresh 64-bit identifier. Safe for concurrent use.
//
// The node id is taken from NOETL_NODE_ID when set, otherwise derived from the
// process id. Two processes on the same host therefore get distinct id streams
// without coordination; collisions across hosts are avoided by configuring
// NOETL_NODE_ID in multi-node deployments.
func NewID() (int64, error) {
	generatorOnce.Do(func() {
		nodeID := config.GetEnvInt64("NOETL_NODE_ID", int64(os.Getpid())&nodeIDMask)
		generator, generatorErr = snowflake.NewNode(nodeID & nodeIDMask)
	})

	if generatorErr != nil {
		return 0, fmt.Errorf("failed to initialize snowflake generator: %w", generatorErr)
	}

	return generator.Generate().Int64(), nil
}

// MustNewID returns a fresh identifier or panics. Only used at process startup
// paths where a failed generator means a fatal misconfiguration.
func MustNewID() int64 {
	id, err := NewID()
	if err != nil {
		panic(err)
	}

	return id
}

// String renders an identifier the way it crosses API boundaries.
func String(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Parse converts the API string form back to an int64 identifier.
func Parse(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier %q: %w", s, err)
	}

	return id, nil
}
