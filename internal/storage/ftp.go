package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/jlaffaye/ftp"
)

// FTPStore keeps objects on an FTP server. Each operation opens its own connection.
type FTPStore struct {
	cfg     shared.FTPStorageConfig
	baseURL string
	logger  *log.Logger
}

// NewFTPStore validates cfg.
func NewFTPStore(cfg shared.FTPStorageConfig, baseURL string, logger *log.Logger) (*FTPStore, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: storage.ftp host is required", shared.ErrInvalidConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &FTPStore{cfg: cfg, baseURL: baseURL, logger: logger}, nil
}

func (s *FTPStore) Name() string { return "ftp" }

func (s *FTPStore) connect(ctx context.Context) (*ftp.ServerConn, error) {
	type result struct {
		conn *ftp.ServerConn
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
		conn, err := ftp.Dial(addr, ftp.DialWithTimeout(s.cfg.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			ch <- result{err: fmt.Errorf("%w: ftp: connection failed: %v", shared.ErrStorageError, err)}
			return
		}

		if s.cfg.User != "" {
			if err := conn.Login(s.cfg.User, s.cfg.Password); err != nil {
				_ = conn.Quit()
				ch <- result{err: fmt.Errorf("%w: ftp: login failed: %v", shared.ErrStorageError, err)}
				return
			}
		}
		ch <- result{conn: conn}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

func (s *FTPStore) remotePath(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return path.Join(s.cfg.Dir, key), nil
}

// Put uploads to a temporary name and renames it so readers never see partial objects.
func (s *FTPStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	dst, err := s.remotePath(key)
	if err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := s.makeDirs(conn, path.Dir(dst)); err != nil {
		return err
	}

	counter := &countingReader{r: r}
	tmp := path.Join(path.Dir(dst), fmt.Sprintf(".upload-%d", time.Now().UnixNano()))
	if err := conn.Stor(tmp, counter); err != nil {
		_ = conn.Delete(tmp)
		return fmt.Errorf("%w: ftp: failed to store file: %v", shared.ErrStorageError, err)
	}
	if size > 0 && counter.n != size {
		_ = conn.Delete(tmp)
		return fmt.Errorf("%w: ftp: short write for %s: %d of %d bytes", shared.ErrStorageError, key, counter.n, size)
	}

	_ = conn.Delete(dst)
	if err := conn.Rename(tmp, dst); err != nil {
		_ = conn.Delete(tmp)
		return fmt.Errorf("%w: ftp: failed to rename temporary file: %v", shared.ErrStorageError, err)
	}

	s.logger.Debug("stored object", "backend", s.Name(), "key", key, "bytes", counter.n)
	return nil
}

// Get keeps the connection open until the returned reader is closed.
func (s *FTPStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	src, err := s.remotePath(key)
	if err != nil {
		return nil, 0, err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, 0, err
	}

	size, err := conn.FileSize(src)
	if err != nil {
		_ = conn.Quit()
		if isFTPNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", shared.ErrObjectNotFound, key)
		}
		return nil, 0, fmt.Errorf("%w: ftp: failed to stat file: %v", shared.ErrStorageError, err)
	}

	resp, err := conn.Retr(src)
	if err != nil {
		_ = conn.Quit()
		return nil, 0, fmt.Errorf("%w: ftp: failed to retrieve file: %v", shared.ErrStorageError, err)
	}

	return &multiCloser{Reader: resp, closers: []io.Closer{resp, quitCloser{conn}}}, size, nil
}

func (s *FTPStore) Delete(ctx context.Context, key string) error {
	p, err := s.remotePath(key)
	if err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Delete(p); err != nil {
		if isFTPNotFound(err) {
			return fmt.Errorf("%w: %s", shared.ErrObjectNotFound, key)
		}
		return fmt.Errorf("%w: ftp: failed to delete file: %v", shared.ErrStorageError, err)
	}
	return nil
}

func (s *FTPStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.remotePath(key)
	if err != nil {
		return false, err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Quit()

	if _, err := conn.FileSize(p); err != nil {
		if isFTPNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: ftp: failed to stat file: %v", shared.ErrStorageError, err)
	}
	return true, nil
}

func (s *FTPStore) URL(key string) string {
	return publicURL(s.baseURL, key)
}

// makeDirs creates every component of dir, ignoring "already exists" replies.
func (s *FTPStore) makeDirs(conn *ftp.ServerConn, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}

	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for part := range strings.SplitSeq(strings.Trim(dir, "/"), "/") {
		current = path.Join(current, part)
		if err := conn.MakeDir(current); err != nil && !isFTPExists(err) {
			return fmt.Errorf("%w: ftp: failed to create directory %s: %v", shared.ErrStorageError, current, err)
		}
	}
	return nil
}

func isFTPNotFound(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code == ftp.StatusFileUnavailable
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no such file")
}

// isFTPExists matches MKD replies for a directory that is already there.
// Servers commonly answer 550 for that case.
func isFTPExists(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "exists")
}

type quitCloser struct{ conn *ftp.ServerConn }

func (q quitCloser) Close() error { return q.conn.Quit() }

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
