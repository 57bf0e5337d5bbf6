package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sftpDialer opens a client and returns the closer for its underlying connection.
type sftpDialer func(ctx context.Context) (*sftp.Client, io.Closer, error)

// SFTPStore keeps objects on a remote host over SFTP. Each operation opens its own session.
type SFTPStore struct {
	dir     string
	baseURL string
	dial    sftpDialer
	logger  *log.Logger
}

// NewSFTPStore validates cfg and prepares the SSH client configuration.
func NewSFTPStore(cfg shared.SFTPStorageConfig, baseURL string, logger *log.Logger) (*SFTPStore, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("%w: storage.sftp host and user are required", shared.ErrInvalidConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	config, err := sshClientConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dial := func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		type result struct {
			client *sftp.Client
			conn   *ssh.Client
			err    error
		}
		ch := make(chan result, 1)

		go func() {
			conn, err := ssh.Dial("tcp", addr, config)
			if err != nil {
				ch <- result{err: fmt.Errorf("%w: sftp: failed to connect: %v", shared.ErrStorageError, err)}
				return
			}
			client, err := sftp.NewClient(conn)
			if err != nil {
				conn.Close()
				ch <- result{err: fmt.Errorf("%w: sftp: failed to create client: %v", shared.ErrStorageError, err)}
				return
			}
			ch <- result{client: client, conn: conn}
		}()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case r := <-ch:
			return r.client, r.conn, r.err
		}
	}

	return newSFTPStore(cfg.Dir, baseURL, dial, logger), nil
}

func newSFTPStore(dir, baseURL string, dial sftpDialer, logger *log.Logger) *SFTPStore {
	return &SFTPStore{dir: dir, baseURL: baseURL, dial: dial, logger: logger}
}

func sshClientConfig(cfg shared.SFTPStorageConfig, logger *log.Logger) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{User: cfg.User, Timeout: cfg.Timeout}

	switch {
	case cfg.KeyPath != "":
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: sftp: failed to read private key: %v", shared.ErrInvalidConfig, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: sftp: failed to parse private key: %v", shared.ErrInvalidConfig, err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case cfg.Password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(cfg.Password)}
	default:
		return nil, fmt.Errorf("%w: sftp: no authentication method provided", shared.ErrMissingCredentials)
	}

	if cfg.KnownHostsPath != "" {
		callback, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: sftp: failed to load known hosts: %v", shared.ErrInvalidConfig, err)
		}
		config.HostKeyCallback = callback
	} else {
		logger.Warn("sftp host key verification disabled, set storage.sftp.known_hosts_path", "host", cfg.Host)
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return config, nil
}

func (s *SFTPStore) Name() string { return "sftp" }

func (s *SFTPStore) remotePath(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return path.Join(s.dir, key), nil
}

func (s *SFTPStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	dst, err := s.remotePath(key)
	if err != nil {
		return err
	}

	client, conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	if err := client.MkdirAll(path.Dir(dst)); err != nil {
		return fmt.Errorf("%w: sftp: failed to create directory %s: %v", shared.ErrStorageError, path.Dir(dst), err)
	}

	f, err := client.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("%w: sftp: failed to create file: %v", shared.ErrStorageError, err)
	}

	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("%w: sftp: failed to write file: %v", shared.ErrStorageError, err)
	}
	if size > 0 && written != size {
		return fmt.Errorf("%w: sftp: short write for %s: %d of %d bytes", shared.ErrStorageError, key, written, size)
	}

	s.logger.Debug("stored object", "backend", s.Name(), "key", key, "bytes", written)
	return nil
}

// Get keeps the session open until the returned reader is closed.
func (s *SFTPStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	src, err := s.remotePath(key)
	if err != nil {
		return nil, 0, err
	}

	client, conn, err := s.dial(ctx)
	if err != nil {
		return nil, 0, err
	}

	f, err := client.Open(src)
	if err != nil {
		client.Close()
		conn.Close()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", shared.ErrObjectNotFound, key)
		}
		return nil, 0, fmt.Errorf("%w: sftp: failed to open file: %v", shared.ErrStorageError, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		client.Close()
		conn.Close()
		return nil, 0, fmt.Errorf("%w: sftp: failed to stat file: %v", shared.ErrStorageError, err)
	}

	return &multiCloser{Reader: f, closers: []io.Closer{f, client, conn}}, info.Size(), nil
}

func (s *SFTPStore) Delete(ctx context.Context, key string) error {
	p, err := s.remotePath(key)
	if err != nil {
		return err
	}

	client, conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	if err := client.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", shared.ErrObjectNotFound, key)
		}
		return fmt.Errorf("%w: sftp: failed to delete file: %v", shared.ErrStorageError, err)
	}
	return nil
}

func (s *SFTPStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.remotePath(key)
	if err != nil {
		return false, err
	}

	client, conn, err := s.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	defer client.Close()

	if _, err := client.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: sftp: failed to stat file: %v", shared.ErrStorageError, err)
	}
	return true, nil
}

func (s *SFTPStore) URL(key string) string {
	return publicURL(s.baseURL, key)
}
