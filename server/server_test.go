package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, mp3Body []byte) *Server {
	t.Helper()

	dir := t.TempDir()
	mp3Path := filepath.Join(dir, "stream.mp3")
	require.NoError(t, os.WriteFile(mp3Path, mp3Body, 0o644))

	s, err := New("127.0.0.1:0", mp3Path, 4096, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = s.Run(ctx) }()

	return s
}

func readEnvelope(t *testing.T, r io.Reader) (msgType, size uint32) {
	t.Helper()
	var hdr [8]byte
	_, err := io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	return binary.LittleEndian.Uint32(hdr[0:4]), binary.LittleEndian.Uint32(hdr[4:8])
}

func TestFullHandshakeAgainstSyntheticMP3(t *testing.T) {
	body := []byte{0xDE, 0xAD, 0xBE}
	s := startTestServer(t, body)

	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	msgType, size := readEnvelope(t, conn)
	require.Equal(t, uint32(1), msgType)

	textBuf := make([]byte, size)
	_, err = io.ReadFull(conn, textBuf)
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, string(textBuf))
	require.NoError(t, err, "time text must parse as RFC3339")

	msgType, size = readEnvelope(t, conn)
	require.Equal(t, uint32(2), msgType)
	require.Equal(t, uint32(len(body)), size)

	gotBody := make([]byte, size)
	_, err = io.ReadFull(conn, gotBody)
	require.NoError(t, err)
	require.Equal(t, body, gotBody)

	// The server closes the socket once the body is fully sent.
	n, err := conn.Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
}

func TestServerDecodesClientText(t *testing.T) {
	dir := t.TempDir()
	mp3Path := filepath.Join(dir, "stream.mp3")
	require.NoError(t, os.WriteFile(mp3Path, []byte{0xAA}, 0o644))

	s, err := New("127.0.0.1:0", mp3Path, 4096, 0, nil)
	require.NoError(t, err)

	received := make(chan string, 1)
	s.SetClientTextHandler(func(remote net.Addr, text string) {
		received <- text
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()

	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	msg := "hello from client"
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 3)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(msg)))
	_, err = conn.Write(hdr[:])
	require.NoError(t, err)
	_, err = conn.Write([]byte(msg))
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, msg, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client text to be decoded")
	}
}

func TestServerHandlesEmptyMP3(t *testing.T) {
	s := startTestServer(t, nil)

	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, size := readEnvelope(t, conn) // time envelope
	_, err = io.ReadFull(conn, make([]byte, size))
	require.NoError(t, err)

	msgType, size := readEnvelope(t, conn)
	require.Equal(t, uint32(2), msgType)
	require.Equal(t, uint32(0), size)

	n, err := conn.Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
}
