package wasmexec_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskcoord/internal/wasmexec"
)

// squareModule 导出 square(i64) i64 = x*x 与 quartic(i64) i64 = square(square(x))。
var squareModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i64) -> i64
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7e, 0x01, 0x7e,
	// function: two functions of type 0
	0x03, 0x03, 0x02, 0x00, 0x00,
	// export: "square" -> 0, "quartic" -> 1
	0x07, 0x14, 0x02,
	0x06, 's', 'q', 'u', 'a', 'r', 'e', 0x00, 0x00,
	0x07, 'q', 'u', 'a', 'r', 't', 'i', 'c', 0x00, 0x01,
	// code
	0x0a, 0x12, 0x02,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x00, 0x7e, 0x0b,
	0x08, 0x00, 0x20, 0x00, 0x10, 0x00, 0x10, 0x00, 0x0b,
}

func TestCallSquare(t *testing.T) {
	r := wasmexec.New(wasmexec.Config{})

	got, err := r.CallInt64(context.Background(), squareModule, "square", 12)
	require.NoError(t, err)
	require.Equal(t, int64(144), got)

	got, err = r.CallInt64(context.Background(), squareModule, "square", -7)
	require.NoError(t, err)
	require.Equal(t, int64(49), got)

	got, err = r.CallInt64(context.Background(), squareModule, "quartic", 3)
	require.NoError(t, err)
	require.Equal(t, int64(81), got)
}

func TestCallLimit(t *testing.T) {
	r := wasmexec.New(wasmexec.Config{CallLimit: 2})

	_, err := r.CallInt64(context.Background(), squareModule, "square", 2)
	require.NoError(t, err)

	_, err = r.CallInt64(context.Background(), squareModule, "quartic", 2)
	require.ErrorIs(t, err, wasmexec.ErrCallLimit)
}

func TestCallMissingEntry(t *testing.T) {
	r := wasmexec.New(wasmexec.Config{Timeout: time.Second})

	_, err := r.CallInt64(context.Background(), squareModule, "fib", 2)
	require.ErrorIs(t, err, wasmexec.ErrEntryNotFound)
}

func TestCallArgumentMismatch(t *testing.T) {
	r := wasmexec.New(wasmexec.Config{})

	_, err := r.Call(context.Background(), squareModule, "square")
	require.Error(t, err)
}

func TestCallRejectsInvalidModule(t *testing.T) {
	r := wasmexec.New(wasmexec.Config{})

	_, err := r.Call(context.Background(), []byte("not wasm"), "square", 1)
	require.Error(t, err)
}
