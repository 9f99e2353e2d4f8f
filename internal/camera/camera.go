// Package camera grabs a single JPEG frame from a device's chamber camera.
package camera

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	DefaultPort    = 6000
	DefaultTimeout = 5 * time.Second

	username       = "bblp"
	authPacketSize = 80

	// frames larger than this without an end marker are treated as garbage
	maxBuffer = 8 << 20
)

var (
	jpegStart = []byte{0xFF, 0xD8, 0xFF, 0xE0}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// ErrNoFrame is returned when the stream ends before a full image arrives.
var ErrNoFrame = errors.New("camera stream ended without a frame")

type Config struct {
	Port    int
	Timeout time.Duration
}

type Camera struct {
	port      int
	timeout   time.Duration
	tlsConfig *tls.Config
}

func New(cfg Config) *Camera {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Camera{
		port:      cfg.Port,
		timeout:   cfg.Timeout,
		tlsConfig: &tls.Config{InsecureSkipVerify: true},
	}
}

// AuthPacket builds the 80-byte login record the camera expects right after
// the TLS handshake.
func AuthPacket(user, accessCode string) []byte {
	p := make([]byte, authPacketSize)
	binary.LittleEndian.PutUint32(p[0:], 0x40)
	binary.LittleEndian.PutUint32(p[4:], 0x3000)
	copy(p[16:48], user)
	copy(p[48:80], accessCode)
	return p
}

// Capture connects to host and returns the first complete JPEG frame.
func (c *Camera) Capture(ctx context.Context, host, accessCode string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dialer := &tls.Dialer{Config: c.tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(c.port)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to camera: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(AuthPacket(username, accessCode)); err != nil {
		return nil, fmt.Errorf("failed to authenticate with camera: %w", err)
	}

	img, err := ReadFrame(conn)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("camera capture timed out: %w", ctx.Err())
	}
	return img, err
}

// ReadFrame scans r for a JPEG start marker and the end marker after it,
// buffering across reads.
func ReadFrame(r io.Reader) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			img, rest := findJPEG(buf)
			if img != nil {
				return img, nil
			}
			buf = rest
			if len(buf) > maxBuffer {
				return nil, errors.New("camera frame exceeds buffer limit")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrNoFrame
			}
			return nil, fmt.Errorf("failed to read camera stream: %w", err)
		}
	}
}

// findJPEG returns the first complete image in buf and the bytes to keep for
// the next read.
func findJPEG(buf []byte) (img, rest []byte) {
	start := bytes.Index(buf, jpegStart)
	if start < 0 {
		// keep a tail that may hold the beginning of a split marker
		if len(buf) > len(jpegStart)-1 {
			return nil, buf[len(buf)-(len(jpegStart)-1):]
		}
		return nil, buf
	}
	end := bytes.Index(buf[start+len(jpegStart):], jpegEnd)
	if end < 0 {
		return nil, buf[start:]
	}
	end += start + len(jpegStart) + len(jpegEnd)
	return append([]byte(nil), buf[start:end]...), nil
}
