//go:build linux

package debug

import (
	"context"
	"fmt"
	"net"
	"teebroker/internal/filesystem"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Actions understood by the debug socket.
const (
	ActionStatus           = "status"
	ActionLastCrash        = "last-crash"
	ActionPartitionDump    = "partition-dump"
	ActionPartitionRestore = "partition-restore"
	ActionPartitionErase   = "partition-erase"
)

// Request is the single message a client sends. Partition and Data are
// only read by the partition actions.
type Request struct {
	Action    string `cbor:"action"`
	Partition int    `cbor:"partition,omitempty"`
	Data      []byte `cbor:"data,omitempty"`
}

// Response is the envelope every request is answered with. Data holds the
// action's result, encoded as CBOR.
type Response struct {
	OK    bool            `cbor:"ok"`
	Error string          `cbor:"error,omitempty"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

// StatusData answers ActionStatus.
type StatusData struct {
	State         string                     `cbor:"state"`
	DriverVersion string                     `cbor:"driver_version,omitempty"`
	Product       string                     `cbor:"product,omitempty"`
	Crashes       int                        `cbor:"crashes"`
	LastCrash     int64                      `cbor:"last_crash,omitempty"` // unix nanoseconds
	NextRequestID uint32                     `cbor:"next_request_id"`
	Partitions    []filesystem.PartitionInfo `cbor:"partitions,omitempty"`
}

// PartitionData answers ActionPartitionDump.
type PartitionData struct {
	Index int    `cbor:"index"`
	Data  []byte `cbor:"data"`
}

// CrashData answers ActionLastCrash.
type CrashData struct {
	Name string `cbor:"name"`
	Dump []byte `cbor:"dump"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("debug: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("debug: CBOR decoder initialization failed: " + err.Error())
	}
}

// Decode unmarshals the response payload into v.
func (r *Response) Decode(v any) error {
	if !r.OK {
		return fmt.Errorf("debug: %s", r.Error)
	}
	return decMode.Unmarshal(r.Data, v)
}

// Query sends a request without arguments to the debug socket named
// socketName and returns the response.
func Query(ctx context.Context, socketName, action string) (*Response, error) {
	return Do(ctx, socketName, Request{Action: action})
}

// Do sends req to the debug socket named socketName and returns the
// response.
func Do(ctx context.Context, socketName string, req Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", "@"+socketName)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketName, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultIOTimeout)
	}
	conn.SetDeadline(deadline)

	if err := encMode.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := decMode.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}
