package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBootloader accepts one session and replays the target side of the
// protocol: greet every write block, and answer reads with bytes from its
// memory image.
type fakeBootloader struct {
	ln net.Listener
	wg sync.WaitGroup

	mu      sync.Mutex
	memory  []byte
	written map[uint32][]byte
	mangle  bool
}

func newFakeBootloader(t *testing.T, memory []byte) *fakeBootloader {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &fakeBootloader{ln: ln, memory: memory, written: make(map[uint32][]byte)}
	b.wg.Add(1)
	go b.serve()
	t.Cleanup(func() {
		ln.Close()
		b.wg.Wait()
	})
	return b
}

func (b *fakeBootloader) endpoint() string {
	return b.ln.Addr().String()
}

func (b *fakeBootloader) serve() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer conn.Close()
			b.handle(conn)
		}()
	}
}

func (b *fakeBootloader) handle(conn net.Conn) {
	for {
		header := make([]byte, headerLen)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		addr := binary.LittleEndian.Uint32(header[4:8])
		length := binary.LittleEndian.Uint32(header[8:12])

		b.mu.Lock()
		greet := append([]byte(nil), greeting...)
		if b.mangle {
			greet = []byte("No\x00")
		}
		b.mu.Unlock()

		switch header[0] {
		case cmdWriteMemory:
			chunk := make([]byte, length)
			if _, err := io.ReadFull(conn, chunk); err != nil {
				return
			}
			b.mu.Lock()
			b.written[addr] = chunk
			b.mu.Unlock()
			if _, err := conn.Write(greet); err != nil {
				return
			}
		case cmdReadMemory:
			if _, err := conn.Write(greet); err != nil {
				return
			}
			b.mu.Lock()
			data := b.memory[addr : addr+length]
			b.mu.Unlock()
			if _, err := conn.Write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func TestWritePayloadChunks(t *testing.T) {
	t.Parallel()

	boot := newFakeBootloader(t, nil)
	client := NewClient().WithBlockSize(4)
	require.NoError(t, client.Connect(context.Background(), boot.endpoint()))
	defer client.Close()

	payload := []byte("0123456789") // 4 + 4 + 2
	require.NoError(t, client.WritePayload(context.Background(), payload))

	boot.mu.Lock()
	defer boot.mu.Unlock()
	require.Len(t, boot.written, 3)
	require.Equal(t, []byte("0123"), boot.written[0])
	require.Equal(t, []byte("4567"), boot.written[4])
	require.Equal(t, []byte("89"), boot.written[8])
}

func TestReadRegion(t *testing.T) {
	t.Parallel()

	memory := bytes.Repeat([]byte{0xAA, 0xBB, 0xCC, 0xDD}, 64)
	boot := newFakeBootloader(t, memory)
	client := NewClient()
	require.NoError(t, client.Connect(context.Background(), boot.endpoint()))
	defer client.Close()

	data, err := client.ReadRegion(context.Background(), 8, 16)
	require.NoError(t, err)
	require.Equal(t, memory[8:24], data)
}

func TestBadGreetingFailsWrite(t *testing.T) {
	t.Parallel()

	boot := newFakeBootloader(t, nil)
	boot.mu.Lock()
	boot.mangle = true
	boot.mu.Unlock()

	client := NewClient()
	require.NoError(t, client.Connect(context.Background(), boot.endpoint()))
	defer client.Close()

	err := client.WritePayload(context.Background(), []byte("data"))
	require.ErrorIs(t, err, ErrBadGreeting)
}

func TestNotConnected(t *testing.T) {
	t.Parallel()

	client := NewClient()
	require.ErrorIs(t, client.WritePayload(context.Background(), []byte("x")), ErrNotConnected)
	_, err := client.ReadRegion(context.Background(), 0, 1)
	require.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, client.Close())
}

func TestWriteCancelled(t *testing.T) {
	t.Parallel()

	boot := newFakeBootloader(t, nil)
	client := NewClient().WithBlockSize(2)
	require.NoError(t, client.Connect(context.Background(), boot.endpoint()))
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, client.WritePayload(ctx, []byte("abcd")), context.Canceled)
}
