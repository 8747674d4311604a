//go:build linux

// Package debug serves diagnostics on a second abstract socket and keeps
// an archive of secure-world crash dumps.
package debug

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"syscall"
	"teebroker/internal/filesystem"
	"teebroker/internal/secureworld"
	"time"
)

// DefaultIOTimeout bounds a whole debug exchange.
const DefaultIOTimeout = 5 * time.Second

// LinkStatus is the part of the secure world link the debug service needs.
type LinkStatus interface {
	Status() secureworld.Status
	OnDeath(fn func(dump []byte))
}

// Storage is the partition store as seen by operators.
type Storage interface {
	Usage() []filesystem.PartitionInfo
	Dump(i int) ([]byte, error)
	Restore(i int, data []byte) error
	Erase(i int) error
}

// Config holds the configuration for a Service.
type Config struct {
	SocketName string
	Link       LinkStatus

	// Storage is optional; it is absent in light mode.
	Storage Storage

	// CrashDir receives compressed crash dumps. Empty disables archiving.
	CrashDir string

	IOTimeout time.Duration
	Logger    *log.Logger
}

// Service is the debug socket plus the crash archive.
type Service struct {
	config   Config
	logger   *log.Logger
	archive  *crashArchive
	listener net.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Service and registers the crash archiver with the link.
func New(cfg Config) (*Service, error) {
	if cfg.SocketName == "" {
		return nil, errors.New("debug: no socket name")
	}
	if cfg.Link == nil {
		return nil, errors.New("debug: no secure world link")
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[debug] ", log.LstdFlags|log.Lmsgprefix)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		config: cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.CrashDir != "" {
		archive, err := newCrashArchive(cfg.CrashDir)
		if err != nil {
			cancel()
			return nil, err
		}
		s.archive = archive
		cfg.Link.OnDeath(s.archiveCrash)
	}
	return s, nil
}

// Name implements service.Service.
func (s *Service) Name() string { return "debug" }

// Open starts listening.
func (s *Service) Open() error {
	ln, err := net.Listen("unix", "@"+s.config.SocketName)
	if err != nil {
		return fmt.Errorf("listen on @%s: %w", s.config.SocketName, err)
	}
	s.listener = ln
	s.logger.Printf("listening on @%s", s.config.SocketName)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Close stops the listener and waits for in-flight requests.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		if s.archive != nil {
			s.archive.close()
		}
	})
}

// ReceiveSignal logs a status snapshot on SIGUSR2.
func (s *Service) ReceiveSignal(sig os.Signal) {
	if sig != syscall.SIGUSR2 {
		return
	}
	st := s.status()
	s.logger.Printf("status: state=%s driver=%s product=%q crashes=%d next-request=%d",
		st.State, st.DriverVersion, st.Product, st.Crashes, st.NextRequestID)
}

func (s *Service) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Printf("accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Service) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.config.IOTimeout))

	var req Request
	if err := decMode.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Printf("read request: %v", err)
		return
	}

	var resp Response
	if err := s.authorize(conn, req.Action); err != nil {
		s.logger.Printf("%s refused: %v", req.Action, err)
		resp = Response{Error: err.Error()}
	} else {
		resp = s.dispatch(req)
	}
	if err := encMode.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Printf("write response: %v", err)
	}
}

func (s *Service) dispatch(req Request) Response {
	var data any
	var err error

	switch req.Action {
	case ActionStatus:
		data = s.status()
	case ActionLastCrash:
		if s.archive == nil {
			err = errors.New("crash archive disabled")
		} else {
			data, err = s.archive.latest()
		}
	case ActionPartitionDump, ActionPartitionRestore, ActionPartitionErase:
		data, err = s.partition(req)
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}
	if err != nil {
		return Response{Error: err.Error()}
	}

	raw, err := encMode.Marshal(data)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Data: raw}
}

// authorize checks the peer of a request that modifies storage.
func (s *Service) authorize(conn net.Conn, action string) error {
	if action != ActionPartitionRestore && action != ActionPartitionErase {
		return nil
	}
	uid, err := peerUID(conn)
	if err != nil {
		return err
	}
	if !mayModify(uid) {
		return fmt.Errorf("uid %d: %w", uid, errNotPermitted)
	}
	return nil
}

func (s *Service) partition(req Request) (any, error) {
	if s.config.Storage == nil {
		return nil, errors.New("storage disabled")
	}
	switch req.Action {
	case ActionPartitionDump:
		data, err := s.config.Storage.Dump(req.Partition)
		if err != nil {
			return nil, err
		}
		return PartitionData{Index: req.Partition, Data: data}, nil
	case ActionPartitionRestore:
		return nil, s.config.Storage.Restore(req.Partition, req.Data)
	default:
		return nil, s.config.Storage.Erase(req.Partition)
	}
}

func (s *Service) status() StatusData {
	st := s.config.Link.Status()
	data := StatusData{
		State:         st.State.String(),
		DriverVersion: st.DriverVersion,
		Product:       st.Product,
		Crashes:       st.Crashes,
		NextRequestID: st.NextRequestID,
	}
	if !st.LastCrash.IsZero() {
		data.LastCrash = st.LastCrash.UnixNano()
	}
	if s.config.Storage != nil {
		data.Partitions = s.config.Storage.Usage()
	}
	return data
}

func (s *Service) archiveCrash(dump []byte) {
	if len(dump) == 0 {
		s.logger.Printf("empty crash dump, nothing archived")
		return
	}
	name, err := s.archive.store(time.Now(), dump)
	if err != nil {
		s.logger.Printf("archive crash dump: %v", err)
		return
	}
	s.logger.Printf("crash dump archived as %s", name)
}
