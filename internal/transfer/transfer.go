// Package transfer stages project files on a device's SD card over
// implicit-TLS FTP.
package transfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"
)

const (
	DefaultPort    = 990
	DefaultTimeout = 30 * time.Second

	username = "bblp"
)

// Session is the subset of an FTP connection used to stage files.
type Session interface {
	List(path string) ([]*ftp.Entry, error)
	Delete(path string) error
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

// DialFunc opens an authenticated session.
type DialFunc func(ctx context.Context, addr, user, password string) (Session, error)

type Config struct {
	Port    int
	Timeout time.Duration
}

type Transfer struct {
	port int
	dial DialFunc
}

func New(cfg Config) *Transfer {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Transfer{port: cfg.Port, dial: ftpsDialer(cfg.Timeout)}
}

// NewWithDialer is used by tests to substitute the FTP session.
func NewWithDialer(port int, dial DialFunc) *Transfer {
	return &Transfer{port: port, dial: dial}
}

func ftpsDialer(timeout time.Duration) DialFunc {
	return func(ctx context.Context, addr, user, password string) (Session, error) {
		conn, err := ftp.Dial(addr,
			ftp.DialWithContext(ctx),
			ftp.DialWithTimeout(timeout),
			// implicit TLS; devices use self-signed certificates
			ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		if err := conn.Login(user, password); err != nil {
			conn.Quit()
			return nil, fmt.Errorf("failed to login: %w", err)
		}
		return conn, nil
	}
}

// ProgressFunc receives the uploaded fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Stage clears the directory that will hold remotePath and uploads localPath
// to it.
func (t *Transfer) Stage(ctx context.Context, host, accessCode, localPath, remotePath string, progress ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open project file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat project file: %w", err)
	}

	sess, err := t.dial(ctx, net.JoinHostPort(host, strconv.Itoa(t.port)), username, accessCode)
	if err != nil {
		return err
	}
	defer sess.Quit()

	dir := path.Dir(remotePath)
	if err := clearDir(sess, dir); err != nil {
		return err
	}

	var r io.Reader = f
	if progress != nil {
		r = &progressReader{r: f, total: info.Size(), fn: progress}
	}
	if err := sess.Stor(remotePath, r); err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

func clearDir(sess Session, dir string) error {
	entries, err := sess.List(dir)
	if err != nil {
		if err := sess.MakeDir(dir); err != nil {
			return fmt.Errorf("failed to create staging directory %s: %w", dir, err)
		}
		return nil
	}

	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		name := path.Join(dir, path.Base(e.Name))
		if err := sess.Delete(name); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

// progressReader reports upload progress in steps of at least one percent.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	reported float64
	fn       ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && n > 0 {
		fraction := float64(p.read) / float64(p.total)
		if fraction > 1 {
			fraction = 1
		}
		if fraction-p.reported >= 0.01 && fraction < 1 {
			p.reported = fraction
			p.fn(fraction)
		}
	}
	return n, err
}
