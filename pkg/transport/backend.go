package transport

import "context"

// UnitSpec is what a node needs to open a unit. The blob itself travels in
// chunks afterwards.
type UnitSpec struct {
	Size          int64             `json:"size"`
	Digest        string            `json:"digest"`
	Authorization Authorization     `json:"authorization"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// UnitGrant is a node's answer to OpenUnit.
type UnitGrant struct {
	ID          ContentID `json:"id"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
}

// Info describes a node.
type Info struct {
	Network     string `json:"network" yaml:"network"`
	Version     string `json:"version" yaml:"version"`
	ChunkSize   int64  `json:"chunkSize" yaml:"chunkSize"`
	MaxUnitSize int64  `json:"maxUnitSize" yaml:"maxUnitSize"`
	Height      uint64 `json:"height" yaml:"height"`
	Pending     int    `json:"pending" yaml:"pending"`
}

// Backend is the node-level protocol. Implementations include the storage
// node itself and the HTTP client for a remote gateway.
type Backend interface {
	OpenUnit(ctx context.Context, spec UnitSpec) (*UnitGrant, error)
	PutChunk(ctx context.Context, id ContentID, index int, data []byte) (Progress, error)
	Fetch(ctx context.Context, id ContentID) ([]byte, error)
	Status(ctx context.Context, id ContentID) (*Status, error)
	Info(ctx context.Context) (*Info, error)
}
